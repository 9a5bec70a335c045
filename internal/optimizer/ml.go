package optimizer

import (
	"math"
	"sync"
	"time"
)

// Forecast is an ML cost estimate with a 95% confidence interval.
type Forecast struct {
	Cost float64
	Low  float64
	High float64
}

type mlSample struct {
	tokens float64
	hour   float64
	cost   float64
}

// MLPredictor fits a least-squares linear model cost ≈ a·tokens + b·hour + c
// from observed (token usage, hour of day, actual cost) samples. It refines
// estimates only; budget enforcement stays with the ledger.
type MLPredictor struct {
	retrainEvery int
	clock        func() time.Time

	mu          sync.Mutex
	samples     []mlSample
	sinceTrain  int
	trained     bool
	a, b, c     float64
	residualVar float64
}

// minTrainingSamples is the floor below which the model refuses to train.
const minTrainingSamples = 10

// NewMLPredictor builds an untrained model that retrains after every
// retrainEvery new samples.
func NewMLPredictor(retrainEvery int) *MLPredictor {
	if retrainEvery <= 0 {
		retrainEvery = 20
	}
	return &MLPredictor{retrainEvery: retrainEvery, clock: time.Now}
}

// WithMLClock overrides the time source used for the hour-of-day feature.
func (m *MLPredictor) WithMLClock(clock func() time.Time) *MLPredictor {
	if clock != nil {
		m.clock = clock
	}
	return m
}

// Observe records an actual cost and retrains opportunistically.
func (m *MLPredictor) Observe(tokens int, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, mlSample{
		tokens: float64(tokens),
		hour:   float64(m.clock().Hour()),
		cost:   cost,
	})
	if len(m.samples) > historyLimit {
		m.samples = m.samples[len(m.samples)-historyLimit:]
	}
	m.sinceTrain++
	if m.sinceTrain >= m.retrainEvery && len(m.samples) >= minTrainingSamples {
		m.trainLocked()
		m.sinceTrain = 0
	}
}

// Forecast predicts the cost for a token count at the current hour. ok is
// false until the model has trained at least once.
func (m *MLPredictor) Forecast(tokens int) (Forecast, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.trained {
		return Forecast{}, false
	}
	cost := m.a*float64(tokens) + m.b*float64(m.clock().Hour()) + m.c
	if cost < 0 {
		cost = 0
	}
	// 95% CI from the residual standard deviation of the last fit.
	margin := 1.96 * math.Sqrt(m.residualVar)
	low := cost - margin
	if low < 0 {
		low = 0
	}
	return Forecast{Cost: cost, Low: low, High: cost + margin}, true
}

// trainLocked solves the 3x3 normal equations for the least-squares fit.
func (m *MLPredictor) trainLocked() {
	n := float64(len(m.samples))
	var st, sh, sc float64
	var stt, shh, sth float64
	var stc, shc float64
	for _, s := range m.samples {
		st += s.tokens
		sh += s.hour
		sc += s.cost
		stt += s.tokens * s.tokens
		shh += s.hour * s.hour
		sth += s.tokens * s.hour
		stc += s.tokens * s.cost
		shc += s.hour * s.cost
	}

	a, b, c, ok := solve3(
		[3][3]float64{
			{stt, sth, st},
			{sth, shh, sh},
			{st, sh, n},
		},
		[3]float64{stc, shc, sc},
	)
	if !ok {
		return // singular system; keep the previous fit
	}
	m.a, m.b, m.c = a, b, c

	var ss float64
	for _, s := range m.samples {
		resid := s.cost - (a*s.tokens + b*s.hour + c)
		ss += resid * resid
	}
	m.residualVar = ss / n
	m.trained = true
}

// solve3 solves A·x = v by Gaussian elimination with partial pivoting.
func solve3(a [3][3]float64, v [3]float64) (x0, x1, x2 float64, ok bool) {
	const eps = 1e-12
	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < eps {
			return 0, 0, 0, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		v[col], v[pivot] = v[pivot], v[col]
		for row := col + 1; row < 3; row++ {
			factor := a[row][col] / a[col][col]
			for k := col; k < 3; k++ {
				a[row][k] -= factor * a[col][k]
			}
			v[row] -= factor * v[col]
		}
	}
	x := [3]float64{}
	for row := 2; row >= 0; row-- {
		sum := v[row]
		for k := row + 1; k < 3; k++ {
			sum -= a[row][k] * x[k]
		}
		x[row] = sum / a[row][row]
	}
	return x[0], x[1], x[2], true
}
