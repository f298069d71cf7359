package explorer

// OpenCommand is the generic "open resource" command. Its argument is the
// node's resource reference instead of the visualizer.
const OpenCommand = "vscode.open"

// CommandTranslator computes the arguments of a node's command. ok is false
// when the translator does not handle the command.
type CommandTranslator interface {
	TranslateCommand(command string, v *Visualizer) (args []any, ok bool)
}

// CommandTranslatorFunc adapts a function to the CommandTranslator interface.
type CommandTranslatorFunc func(command string, v *Visualizer) ([]any, bool)

// TranslateCommand calls f.
func (f CommandTranslatorFunc) TranslateCommand(command string, v *Visualizer) ([]any, bool) {
	return f(command, v)
}

type registeredTranslator struct {
	CommandTranslator
}

// OpenResourceTranslator passes the resource reference to OpenCommand.
var OpenResourceTranslator = CommandTranslatorFunc(func(command string, v *Visualizer) ([]any, bool) {
	if command != OpenCommand {
		return nil, false
	}
	return []any{v.Data().ResourceURI}, true
})

// translateCommand builds the command of v. Translators are consulted in
// order; when none matches, the visualizer itself is the only argument.
func translateCommand(translators []CommandTranslator, v *Visualizer) *Command {
	name := v.Data().Command
	if name == "" {
		return nil
	}
	for _, t := range translators {
		if args, ok := t.TranslateCommand(name, v); ok {
			return &Command{Name: name, Arguments: args}
		}
	}
	return &Command{Name: name, Arguments: []any{v}}
}
