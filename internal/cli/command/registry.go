package command

// Registry returns all shell commands keyed by name.
func Registry() map[string]Command {
	commands := []Command{
		{Name: "create", Usage: "create <name>", Help: "register an algorithm process", MinArgs: 1, MaxArgs: 1},
		{Name: "start", Usage: "start <id>", Help: "start a created process and open its pipes", MinArgs: 1, MaxArgs: 1},
		{Name: "status", Usage: "status <id>", Help: "show the process status", MinArgs: 1, MaxArgs: 1},
		{Name: "stop", Usage: "stop <id>", Help: "kill a process", MinArgs: 1, MaxArgs: 1},
		{Name: "usage", Usage: "usage <id>", Help: "show measured time and memory", MinArgs: 1, MaxArgs: 1},
		{Name: "list", Usage: "list", Help: "show every process", MinArgs: 0, MaxArgs: 0},
		{
			Name:    "call",
			Usage:   "call <id> <function> [arg ...] [ret=0] [cb=<arity>,...]",
			Help:    "call a function; args are integers or lists like [1,[2,3]]; callbacks prompt for their result",
			MinArgs: 2,
			MaxArgs: -1,
		},
		{Name: "checkpoint", Usage: "checkpoint <id>", Help: "check the pair is in sync", MinArgs: 1, MaxArgs: 1},
		{Name: "wait", Usage: "wait <id> [kill=1]", Help: "ask the algorithm for its usage", MinArgs: 1, MaxArgs: 1},
		{Name: "exit", Usage: "exit <id>", Help: "end the session with an algorithm", MinArgs: 1, MaxArgs: 1},
		{Name: "open", Usage: "open <name>", Help: "expose a read file in the sandbox directory", MinArgs: 1, MaxArgs: 1},
		{Name: "close", Usage: "close <file id>", Help: "remove a read file", MinArgs: 1, MaxArgs: 1},
	}
	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Name] = cmd
	}
	return result
}
