package risk

import (
	"math"
	"time"
)

const (
	// coldStartDiversity is used when a user has no transactions, so a new
	// account reads as neither perfectly diverse nor perfectly concentrated.
	coldStartDiversity = 0.5

	sequentialLookback = 3
	repeatingLookback  = 5
	repeatingMinHits   = 2
)

var roundDenominations = []float64{100, 500, 1000}

// Extract derives the feature vector for tx against history at now. It never
// fails: malformed input is normalised rather than rejected.
func Extract(tx *TransactionRecord, h *UserHistory, now time.Time) FeatureVector {
	if tx == nil {
		tx = &TransactionRecord{}
	}
	if h == nil {
		h = &UserHistory{}
	}

	amount := sanitizeAmount(tx.AmountUSD)
	amounts := sanitizeAmounts(h.Amounts)
	utc := now.UTC()
	nowMs := now.UnixMilli()

	f := FeatureVector{
		Amount:    amount,
		AmountLog: math.Log(amount + 1),

		HourOfDay: utc.Hour(),
		DayOfWeek: int(utc.Weekday()),

		RecipientRiskScore: clampFloat(sanitizeAmount(tx.RecipientRiskScore), 0, 1),

		AccountAge:        maxInt(h.AccountAge, 0),
		TotalTransactions: len(h.Transactions),
		KYCLevel:          maxInt(tx.KYCLevel, 0),

		GasPrice:          tx.GasPrice,
		NetworkCongestion: tx.NetworkCongestion,
		CrossChain:        tx.CrossChain,
	}

	mean, std := meanStd(amounts)
	f.AverageAmount = mean
	if len(amounts) >= 2 && std > 0 {
		f.AmountZScore = (amount - mean) / std
	}

	if h.LastTransaction != nil {
		if d := nowMs - h.LastTransaction.Timestamp; d > 0 {
			f.TimeSinceLastTxMs = d
		}
	}

	dayStart := nowMs - (24 * time.Hour).Milliseconds()
	hourStart := nowMs - time.Hour.Milliseconds()
	for _, t := range h.Transactions {
		if t.Timestamp >= dayStart && t.Timestamp < nowMs {
			f.TxCountLast24h++
			f.VolumeLast24h += sanitizeAmount(t.AmountUSD)
		}
		if t.Timestamp >= hourStart && t.Timestamp < nowMs {
			f.TxCountLast1h++
		}
	}

	known := make(map[string]struct{}, len(h.Recipients))
	for _, r := range h.Recipients {
		known[r] = struct{}{}
	}
	_, seen := known[tx.Recipient]
	f.IsNewRecipient = !seen

	if len(h.Transactions) == 0 {
		f.RecipientDiversity = coldStartDiversity
	} else {
		f.RecipientDiversity = clampFloat(float64(len(known))/float64(len(h.Transactions)), 0, 1)
	}

	f.RoundAmount = isRound(amount)
	f.SequentialPattern = isSequential(amounts, amount)
	f.RepeatingPattern = isRepeating(amounts, amount)

	return f
}

func sanitizeAmount(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func sanitizeAmounts(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = sanitizeAmount(v)
	}
	return out
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func isRound(amount float64) bool {
	for _, d := range roundDenominations {
		if math.Mod(amount, d) == 0 {
			return true
		}
	}
	return false
}

// isSequential reports whether the last few history amounts and the current
// amount step by the same non-zero delta.
func isSequential(history []float64, amount float64) bool {
	if len(history) < sequentialLookback {
		return false
	}
	seq := append(append([]float64{}, history[len(history)-sequentialLookback:]...), amount)
	step := seq[1] - seq[0]
	if step == 0 {
		return false
	}
	for i := 2; i < len(seq); i++ {
		if math.Abs((seq[i]-seq[i-1])-step) > 1e-9 {
			return false
		}
	}
	return true
}

func isRepeating(history []float64, amount float64) bool {
	start := len(history) - repeatingLookback
	if start < 0 {
		start = 0
	}
	hits := 0
	for _, v := range history[start:] {
		if v == amount {
			hits++
		}
	}
	return hits >= repeatingMinHits
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
