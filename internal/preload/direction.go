package preload

// Direction is the way the user is moving through the file list.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// DirectionOf infers the navigation direction from the previous and current
// index in a list of n files. The list wraps, so stepping from the last index
// to the first is Forward. The shorter way round wins; ties and no movement
// count as Forward.
func DirectionOf(prev, cur, n int) Direction {
	if n <= 1 || prev < 0 || prev == cur {
		return Forward
	}
	ahead := wrap(cur-prev, n)
	behind := n - ahead
	if behind < ahead {
		return Backward
	}
	return Forward
}

// wrap maps i into [0, n).
func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
