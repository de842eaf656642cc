// Package executor runs scripts: it owns one VM, the require resolver bound
// to it and the module cache they share.
//
// # Basic Usage
//
//	b := globals.NewBuilder()
//	std, err := executor.NewStd(executor.StdConfig{KV: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer std.Close()
//	if err := b.Apply(std.Libraries); err != nil {
//	    log.Fatal(err)
//	}
//
//	exec, err := executor.New(b.Build(), luau.New(), executor.WithStdout(os.Stdout))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	result := exec.RunFile(ctx, "main.luau")
//	os.Exit(result.ExitCode)
//
// # Sessions
//
// Sessions evaluate interactive input on the same VM and cache:
//
//	session := exec.NewSession()
//	session.Run(ctx, `x = 42`)
//	session.Run(ctx, `x`) // prints 42
//
// # Capabilities
//
// By default scripts have no access to the filesystem, the network or
// other system resources. [StdConfig] grants them explicitly; each granted
// capability becomes a library under @std.
package executor
