package formula

// PaymentSelector carries the four fixed payment amounts a loan can be on
// (pre/post reversion crossed with interest-only/amortizing) together with
// the state needed to pick between them.
type PaymentSelector struct {
	// ReversionMonth is the last month on the initial rate; month
	// ReversionMonth+1 is the first reversion month. Zero or a value at or
	// beyond the term means the loan never reverts.
	ReversionMonth int
	// IOMonths is the last interest-only month. A loan with the InterestOnly
	// flag and no IOMonths is interest-only for its whole life.
	IOMonths     int
	InterestOnly bool

	// BalancePrev is the statement balance entering the month.
	BalancePrev float64

	PayIO             float64
	PayAmort          float64
	PayIOReversion    float64
	PayAmortReversion float64
}

// ScheduledPayment selects the contractual payment applicable in month m.
// It is a pure selection with no recurrence: once the prior balance is zero
// (or before the first payment month) the scheduled payment is zero.
func ScheduledPayment(m int, sel PaymentSelector) float64 {
	if m <= 0 || sel.BalancePrev <= 0 {
		return 0
	}

	ioEnd := sel.IOMonths
	if sel.InterestOnly && ioEnd <= 0 {
		ioEnd = int(^uint(0) >> 1) // interest-only for life
	}
	io := m <= ioEnd
	post := sel.ReversionMonth > 0 && m > sel.ReversionMonth

	switch {
	case post && io:
		return sel.PayIOReversion
	case post:
		return sel.PayAmortReversion
	case io:
		return sel.PayIO
	default:
		return sel.PayAmort
	}
}
