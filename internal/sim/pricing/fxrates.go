package pricing

// pivots are tried, in order, as the intermediate currency of a cross rate.
var pivots = []string{"USD", "EUR"}

// rates holds spots keyed by six-letter pair, base currency first.
type rates map[string]float64

// convert turns amount from one currency into another using a direct pair,
// its inverse, or a cross through a pivot currency.
func (r rates) convert(amount float64, from, to string) (float64, bool) {
	if from == to {
		return amount, true
	}
	if rate, ok := r.rate(from, to); ok {
		return amount * rate, true
	}
	for _, pivot := range pivots {
		if pivot == from || pivot == to {
			continue
		}
		first, ok := r.rate(from, pivot)
		if !ok {
			continue
		}
		second, ok := r.rate(pivot, to)
		if !ok {
			continue
		}
		return amount * first * second, true
	}
	return 0, false
}

// rate is the price of one unit of from in to.
func (r rates) rate(from, to string) (float64, bool) {
	if spot, ok := r[from+to]; ok && spot > 0 {
		return spot, true
	}
	if spot, ok := r[to+from]; ok && spot > 0 {
		return 1 / spot, true
	}
	return 0, false
}
