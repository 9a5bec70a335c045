// Package ledger records every priced operation for an episode, enforces the
// episode budget atomically, and appends an audit row per accepted entry to
// an append-only CSV. The ledger is the only component allowed to say an
// operation is affordable; optimizer predictions never bypass it.
package ledger
