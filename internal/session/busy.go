package session

// Busy is the waiting flag shown as an overlay while a device operation is
// outstanding. It is not safe for concurrent use; the Controller guards it.
type Busy struct {
	active  bool
	message string
}

// Enter marks the gate busy with message. It reports false and changes
// nothing when the gate is already busy.
func (b *Busy) Enter(message string) bool {
	if b.active {
		return false
	}
	b.active = true
	b.message = message
	return true
}

// Leave clears the gate and drops the message.
func (b *Busy) Leave() {
	b.active = false
	b.message = ""
}

// Toggle flips the gate. Idle to busy records message; busy to idle ignores
// message and drops the current one.
func (b *Busy) Toggle(message string) {
	if b.active {
		b.Leave()
		return
	}
	b.Enter(message)
}

// Active reports whether the gate is busy.
func (b *Busy) Active() bool { return b.active }

// Message returns the busy message, empty when idle.
func (b *Busy) Message() string { return b.message }
