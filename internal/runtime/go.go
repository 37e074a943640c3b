package runtime

// GoRuntime configures execution of Go code.
type GoRuntime struct{}

func (g *GoRuntime) Name() string { return "go" }

func (g *GoRuntime) Version() string { return "1.16.2" }

func (g *GoRuntime) FileName() string { return "main.go" }

// Compiled is true: the sandbox builds the binary before running it.
func (g *GoRuntime) Compiled() bool { return true }

func (g *GoRuntime) Starter() string {
	return "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"Hello, world!\")\n}\n"
}
