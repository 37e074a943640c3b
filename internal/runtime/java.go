package runtime

// JavaRuntime configures execution of Java code. The sandbox expects a public
// class named Main.
type JavaRuntime struct{}

func (j *JavaRuntime) Name() string { return "java" }

func (j *JavaRuntime) Version() string { return "15.0.2" }

func (j *JavaRuntime) FileName() string { return "Main.java" }

func (j *JavaRuntime) Compiled() bool { return true }

func (j *JavaRuntime) Starter() string {
	return "public class Main {\n    public static void main(String[] args) {\n        System.out.println(\"Hello, world!\");\n    }\n}\n"
}
