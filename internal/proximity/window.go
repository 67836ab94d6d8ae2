package proximity

// WindowSize is the number of samples averaged per decision.
const WindowSize = 4

// Window is a zero-initialised ring of the most recent signal samples.
type Window struct {
	slots [WindowSize]int
	next  int
	fill  int
}

// Push stores dbm, evicting the oldest sample.
func (w *Window) Push(dbm int) {
	w.slots[w.next] = dbm
	w.next = (w.next + 1) % WindowSize
	if w.fill < WindowSize {
		w.fill++
	}
}

// Average is the truncated mean of all slots, including unfilled zeros.
func (w *Window) Average() int {
	sum := 0
	for _, v := range w.slots {
		sum += v
	}
	return sum / WindowSize
}

// Full reports whether every slot holds a real sample.
func (w *Window) Full() bool {
	return w.fill == WindowSize
}

// Fill is the number of real samples held.
func (w *Window) Fill() int {
	return w.fill
}

// Reset zeroes the window.
func (w *Window) Reset() {
	*w = Window{}
}

// Samples returns the slots oldest first.
func (w *Window) Samples() []int {
	out := make([]int, 0, WindowSize)
	for i := 0; i < WindowSize; i++ {
		out = append(out, w.slots[(w.next+i)%WindowSize])
	}
	return out
}
