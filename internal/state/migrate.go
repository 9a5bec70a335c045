package state

import (
	"fmt"

	"showrunner/internal/services"
)

// Migrator transforms a raw document one version step forward.
type Migrator struct {
	From  string
	To    string
	Apply func(map[string]any) (map[string]any, error)
}

// migrators is the registered chain. Order does not matter; migrate walks the
// chain by version edges until CurrentVersion is reached.
var migrators = []Migrator{
	{From: "1.0.0", To: "2.0.0", Apply: migrateV1V2},
}

// migrate applies registered migrators until the document reaches
// CurrentVersion and reports whether any step ran. Documents without a
// version field are treated as 1.0.0.
func migrate(raw map[string]any) (map[string]any, bool, error) {
	version, _ := raw["version"].(string)
	if version == "" {
		version = "1.0.0"
	}

	migrated := false
	for version != CurrentVersion {
		step, ok := migratorFrom(version)
		if !ok {
			return nil, false, services.Wrap(services.ErrStateMigration, "", "migrate",
				fmt.Sprintf("no migration path from version %s", version), nil)
		}
		next, err := step.Apply(raw)
		if err != nil {
			return nil, false, services.Wrap(services.ErrStateMigration, "", "migrate",
				fmt.Sprintf("migrate %s to %s", step.From, step.To), err)
		}
		next["version"] = step.To
		raw = next
		version = step.To
		migrated = true
	}
	return raw, migrated, nil
}

func migratorFrom(version string) (Migrator, bool) {
	for _, m := range migrators {
		if m.From == version {
			return m, true
		}
	}
	return Migrator{}, false
}

// migrateV1V2 splits the flat 1.0.0 document into persistent and transient
// partitions. Unrecognized top-level keys land in persistent metadata.
func migrateV1V2(raw map[string]any) (map[string]any, error) {
	persistentKeys := map[string]bool{
		"episode_id": true, "topic": true, "budget_limit": true,
		"created_at": true, "updated_at": true, "current_stage": true,
		"completed_stages": true, "quality_scores": true,
		"cost_breakdown": true, "script_text": true, "audio_path": true,
		"metadata": true,
	}
	transientKeys := map[string]bool{
		"active_agent": true, "retry_count": true,
		"temp_results": true, "error_context": true,
	}

	persistent := map[string]any{}
	transient := map[string]any{}
	extra := map[string]any{}
	for key, value := range raw {
		switch {
		case key == "version":
		case persistentKeys[key]:
			persistent[key] = value
		case transientKeys[key]:
			transient[key] = value
		default:
			extra[key] = value
		}
	}

	if len(extra) > 0 {
		meta, _ := persistent["metadata"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		for key, value := range extra {
			meta[key] = value
		}
		persistent["metadata"] = meta
	}

	return map[string]any{
		"persistent": persistent,
		"transient":  transient,
	}, nil
}
