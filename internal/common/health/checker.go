package health

type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function, typically a backend ping, to a Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}
