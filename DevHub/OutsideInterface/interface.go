package OutsideInterface

type SubMessage struct {
	Value string
	Key   string
}

type Interface interface {
	UpdateComponent(key string, value string)
	// RegisterWritableComponent channel is closed when the interface is closed
	RegisterWritableComponent(key string) <-chan SubMessage
	Close() error
}
