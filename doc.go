// Package moonrun provides an embeddable Luau script host.
//
// # Overview
//
// moonrun runs Luau scripts with zero default capabilities. Scripts load
// each other with require, which resolves relative paths against the
// requiring script, @alias paths against host libraries, and falls back
// to an in-memory script store before the filesystem. Every module is
// loaded once per runtime.
//
// # Basic Usage
//
//	b := globals.NewBuilder()
//	b.WithLibrary("game", "score", library.Const(library.Namespace{"max": 100.0}))
//	b.WithScript("/app/util.luau", []byte(`return {twice = function(x) return x * 2 end}`))
//
//	exec, _ := executor.New(b.Build(), luau.New(), executor.WithWorkingDir("/app"))
//	defer exec.Close()
//
//	result := exec.Run(ctx, "main.luau", []byte(`
//	    local util = require("./util")
//	    print(util.twice(require("@game/score").max))
//	`))
//	fmt.Print(result.Output) // 200
//
// # Standalone Executables
//
// A set of compiled scripts can be appended to a copy of the moonrun
// binary. On start the binary finds the trailer, installs the scripts
// into the script store and runs the entry script:
//
//	image, _ := standalone.Pack(base, []standalone.Script{
//	    {Path: "main.luau", Bytecode: unit},
//	})
//	standalone.WriteExecutable(afero.NewOsFs(), "app", image)
//
// See the [executor], [resolver], [globals], and [standalone] packages for
// detailed API documentation.
package moonrun
