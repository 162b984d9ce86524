package strobe

// CallbackCount exposes the number of callbacks registered on a Signal, to check that children
// don't leak callbacks onto their parents.
func CallbackCount[T any](s *Signal[T]) int {
	return s.callbackCount()
}
