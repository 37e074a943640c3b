package runtime

// CppRuntime configures execution of C++ code.
type CppRuntime struct{}

func (c *CppRuntime) Name() string { return "cpp" }

func (c *CppRuntime) Version() string { return "10.2.0" }

func (c *CppRuntime) FileName() string { return "main.cpp" }

func (c *CppRuntime) Compiled() bool { return true }

func (c *CppRuntime) Starter() string {
	return "#include <iostream>\n\nint main() {\n    std::cout << \"Hello, world!\" << std::endl;\n    return 0;\n}\n"
}
