package runtime

// BashRuntime configures execution of Bash scripts.
type BashRuntime struct{}

func (b *BashRuntime) Name() string { return "bash" }

func (b *BashRuntime) Version() string { return "5.2.0" }

func (b *BashRuntime) FileName() string { return "main.sh" }

func (b *BashRuntime) Compiled() bool { return false }

func (b *BashRuntime) Starter() string { return "#!/bin/bash\necho \"Hello, world!\"\n" }
