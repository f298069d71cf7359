package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/fruitsalade/explorer/internal/explorer"
	"github.com/fruitsalade/explorer/pkg/models"
)

var (
	labelColor   = color.New(color.Bold).SprintFunc()
	descColor    = color.New(color.Faint).SprintFunc()
	contextColor = color.New(color.FgCyan).SprintFunc()
	commandColor = color.New(color.FgGreen).SprintFunc()
	pendingColor = color.New(color.FgYellow).SprintFunc()
)

// treePrinter renders a view as an indented outline.
type treePrinter struct {
	engine   *explorer.Engine
	w        io.Writer
	maxDepth int // <= 0 means unlimited
	showIDs  bool

	// reuse walks the children recorded by earlier passes and only
	// enumerates nodes that were never expanded.
	reuse bool
}

func (p *treePrinter) print(ctx context.Context) error {
	root := p.engine.Root()
	item, err := p.engine.TreeItem(ctx, root)
	if err != nil {
		return err
	}
	p.line(item, "", p.engine.IsPending(root.ID()))
	return p.children(ctx, nil, "", 1)
}

func (p *treePrinter) children(ctx context.Context, parent *explorer.Visualizer, indent string, depth int) error {
	kids, err := p.list(ctx, parent)
	if err != nil {
		return err
	}
	for i, v := range kids {
		last := i == len(kids)-1
		branch, next := "├── ", "│   "
		if last {
			branch, next = "└── ", "    "
		}

		item, err := p.engine.TreeItem(ctx, v)
		if err != nil {
			return err
		}
		p.line(item, indent+branch, p.engine.IsPending(v.ID()))

		if item.CollapsibleState == models.None {
			continue
		}
		if p.maxDepth > 0 && depth >= p.maxDepth {
			continue
		}
		if err := p.children(ctx, v, indent+next, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (p *treePrinter) list(ctx context.Context, parent *explorer.Visualizer) ([]*explorer.Visualizer, error) {
	if p.reuse {
		v := parent
		if v == nil {
			v = p.engine.Root()
		}
		if kids, ok := p.engine.CachedChildren(v); ok {
			return kids, nil
		}
	}
	return p.engine.Children(ctx, parent)
}

func (p *treePrinter) line(item explorer.TreeItem, prefix string, pending bool) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(labelColor(item.Label))
	if p.showIDs {
		fmt.Fprintf(&b, " #%d", item.ID)
	}
	if item.Description != "" {
		b.WriteString(" " + descColor(item.Description))
	}
	if item.ContextValue != "" {
		b.WriteString(" " + contextColor("("+item.ContextValue+")"))
	}
	if item.Command != nil {
		b.WriteString(" " + commandColor("→ "+item.Command.Name))
	}
	if pending {
		b.WriteString(" " + pendingColor("[pending]"))
	}
	fmt.Fprintln(p.w, b.String())
}

// resourceDecorator shows the resource URI as description of items that have
// none.
func resourceDecorator() explorer.Decorator {
	return explorer.DecoratorFunc(func(_ context.Context, _ *explorer.Visualizer, item explorer.TreeItem) (explorer.TreeItem, error) {
		if item.Description == "" && item.ResourceURI != "" {
			item.Description = item.ResourceURI
		}
		return item, nil
	})
}
