package explorer

import (
	"context"
	"fmt"
	"sync"
)

// Decorator post-processes the presentation of an item before it is displayed.
// It receives the canonical visualizer and the presentation produced so far and
// returns a replacement.
type Decorator interface {
	DecorateTreeItem(ctx context.Context, element *Visualizer, item TreeItem) (TreeItem, error)
	Dispose()
}

// DecoratorFunc adapts a function to the Decorator interface.
type DecoratorFunc func(ctx context.Context, element *Visualizer, item TreeItem) (TreeItem, error)

// DecorateTreeItem calls f.
func (f DecoratorFunc) DecorateTreeItem(ctx context.Context, element *Visualizer, item TreeItem) (TreeItem, error) {
	return f(ctx, element, item)
}

// Dispose does nothing.
func (f DecoratorFunc) Dispose() {}

type registeredDecorator struct {
	Decorator
	once sync.Once
}

func (d *registeredDecorator) dispose() {
	d.once.Do(d.Decorator.Dispose)
}

// invoke runs one decorator, turning a panic into an error.
func (d *registeredDecorator) invoke(ctx context.Context, element *Visualizer, item TreeItem) (out TreeItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decorator panicked: %v", r)
		}
	}()
	return d.DecorateTreeItem(ctx, element, item.Clone())
}
