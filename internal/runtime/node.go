package runtime

// NodeRuntime configures execution of JavaScript on Node.js.
type NodeRuntime struct{}

func (n *NodeRuntime) Name() string { return "javascript" }

func (n *NodeRuntime) Version() string { return "18.15.0" }

func (n *NodeRuntime) FileName() string { return "main.js" }

func (n *NodeRuntime) Compiled() bool { return false }

func (n *NodeRuntime) Starter() string {
	return "function main() {\n  console.log(\"Hello, world!\");\n}\n\nmain();\n"
}
