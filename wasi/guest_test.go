package wasi

import "encoding/binary"

// guestModule assembles a WASI command that writes text to fd and then
// exits with exit when it is non-zero:
//
//	(import "wasi_snapshot_preview1" "fd_write" ...)
//	(import "wasi_snapshot_preview1" "proc_exit" ...)
//	(memory 1) (export "memory")
//	(data 0 iovec{16, len(text)}) (data 16 text)
//	(func (export "_start") fd_write(fd, 0, 1, 8) drop [proc_exit(exit)])
func guestModule(fd int, text string, exit int) []byte {
	const wasiModule = "wasi_snapshot_preview1"

	types := []byte{3,
		0x60, 4, 0x7f, 0x7f, 0x7f, 0x7f, 1, 0x7f, // fd_write
		0x60, 1, 0x7f, 0, // proc_exit
		0x60, 0, 0, // _start
	}

	imports := []byte{2}
	imports = append(imports, name(wasiModule)...)
	imports = append(imports, name("fd_write")...)
	imports = append(imports, 0, 0)
	imports = append(imports, name(wasiModule)...)
	imports = append(imports, name("proc_exit")...)
	imports = append(imports, 0, 1)

	funcs := []byte{1, 2}
	memory := []byte{1, 0, 1}

	exports := []byte{2}
	exports = append(exports, name("memory")...)
	exports = append(exports, 2, 0)
	exports = append(exports, name("_start")...)
	exports = append(exports, 0, 2)

	body := []byte{0,
		0x41, byte(fd), 0x41, 0, 0x41, 1, 0x41, 8, 0x10, 0, 0x1a,
	}
	if exit != 0 {
		body = append(body, 0x41, byte(exit), 0x10, 1)
	}
	body = append(body, 0x0b)
	codeSec := append([]byte{1}, uleb(len(body))...)
	codeSec = append(codeSec, body...)

	iovec := make([]byte, 8)
	binary.LittleEndian.PutUint32(iovec[0:], 16)
	binary.LittleEndian.PutUint32(iovec[4:], uint32(len(text)))
	data := []byte{2}
	data = append(data, 0, 0x41, 0, 0x0b)
	data = append(data, uleb(len(iovec))...)
	data = append(data, iovec...)
	data = append(data, 0, 0x41, 16, 0x0b)
	data = append(data, uleb(len(text))...)
	data = append(data, text...)

	out := []byte("\x00asm\x01\x00\x00\x00")
	out = append(out, section(1, types)...)
	out = append(out, section(2, imports)...)
	out = append(out, section(3, funcs)...)
	out = append(out, section(5, memory)...)
	out = append(out, section(7, exports)...)
	out = append(out, section(10, codeSec)...)
	out = append(out, section(11, data)...)
	return out
}

// loopModule exports a _start that never returns.
func loopModule() []byte {
	exports := append([]byte{1}, name("_start")...)
	exports = append(exports, 0, 0)
	body := []byte{0, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b}

	out := []byte("\x00asm\x01\x00\x00\x00")
	out = append(out, section(1, []byte{1, 0x60, 0, 0})...)
	out = append(out, section(3, []byte{1, 0})...)
	out = append(out, section(7, exports)...)
	out = append(out, section(10, append([]byte{1, byte(len(body))}, body...))...)
	return out
}

// emptyModule is the smallest valid module: no imports and no _start.
var emptyModule = []byte("\x00asm\x01\x00\x00\x00")

func section(id byte, content []byte) []byte {
	out := append([]byte{id}, uleb(len(content))...)
	return append(out, content...)
}

func name(s string) []byte {
	return append(uleb(len(s)), s...)
}

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}
