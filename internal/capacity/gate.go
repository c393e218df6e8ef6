package capacity

// Admit reports whether a user with the given permission weight may start a
// task given the current running permission sum and the system's maximum
// capacity (both in requests per minute).
//
// The inequality is strict: a user whose weight would exactly consume the
// remaining capacity is not admitted, preserving fractional headroom for the
// next admitted user. Unknown or non-positive capacity fails closed.
func Admit(permission, runningPermSum int, maxCapacity float64) bool {
	if maxCapacity <= 0 {
		return false
	}
	if permission < 0 {
		return false
	}
	remaining := maxCapacity - float64(runningPermSum)
	return float64(permission) < remaining
}

// Remaining derives the remaining capacity from max and occupied, clamped at
// zero.
func Remaining(maxCapacity float64, runningPermSum int) float64 {
	if maxCapacity <= 0 {
		return 0
	}
	remaining := maxCapacity - float64(runningPermSum)
	if remaining < 0 {
		return 0
	}
	return remaining
}
