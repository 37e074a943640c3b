package runtime

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Version() string { return "3.10.0" }

func (p *PythonRuntime) FileName() string { return "main.py" }

func (p *PythonRuntime) Compiled() bool { return false }

func (p *PythonRuntime) Starter() string {
	return "def main():\n    print(\"Hello, world!\")\n\n\nif __name__ == \"__main__\":\n    main()\n"
}
