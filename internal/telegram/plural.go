package telegram

// PluralizeCredits returns the Russian word for n credits: оживашка,
// оживашки or оживашек.
func PluralizeCredits(n int) string {
	if n < 0 {
		n = -n
	}
	if n%100 >= 11 && n%100 <= 19 {
		return "оживашек"
	}
	switch n % 10 {
	case 1:
		return "оживашка"
	case 2, 3, 4:
		return "оживашки"
	default:
		return "оживашек"
	}
}
