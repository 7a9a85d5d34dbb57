package broker

import "sync"

// moveFaults holds per-broker crash points for move tests.
var moveFaults sync.Map

func init() {
	moveStepHook = func(b *Broker, step string) error {
		f, ok := moveFaults.Load(b)
		if !ok {
			return nil
		}
		return f.(func(string) error)(step)
	}
}

// setMoveFault makes b's moves fail at the step f rejects. A nil f clears it.
func setMoveFault(b *Broker, f func(step string) error) {
	if f == nil {
		moveFaults.Delete(b)
		return
	}
	moveFaults.Store(b, f)
}
