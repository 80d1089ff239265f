package sandbox

// Hand-assembled test modules. Keeping the binaries inline avoids a
// toolchain dependency for tests; offsets are section sizes in LEB128.

// echoModule exports memory, `allocate` (returns a fixed buffer at
// 1024) and `echo(ptr,len) -> (ptr<<32)|len`, so executing "echo"
// returns the input bytes.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32)->(i32), (i32,i32)->(i64)
	0x01, 0x0c, 0x02,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	// functions: allocate(type 0), echo(type 1)
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory: min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports: "memory", "allocate", "echo"
	0x07, 0x1c, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x08, 'a', 'l', 'l', 'o', 'c', 'a', 't', 'e', 0x00, 0x00,
	0x04, 'e', 'c', 'h', 'o', 0x00, 0x01,
	// code
	0x0a, 0x14, 0x02,
	// allocate: i32.const 1024
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	// echo: (local.get 0 as i64) << 32 | (local.get 1 as i64)
	0x0c, 0x00, 0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b,
}

// spinModule exports `spin`, an infinite loop, for deadline tests.
var spinModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x08, 0x01,
	0x04, 's', 'p', 'i', 'n', 0x00, 0x00,
	// loop { br 0 }
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
}

// randModule imports nxsh.random_fill and has a single page of memory
// with max 1. `fill_huge` asks for 256 MiB of randomness, `fill_ok`
// for 16 bytes; both store the status at offset 0 and return (0<<32)|4.
var randModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32,i32)->(i32), ()->(i64)
	0x01, 0x0b, 0x02,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x60, 0x00, 0x01, 0x7e,
	// import nxsh.random_fill (func 0)
	0x02, 0x14, 0x01,
	0x04, 'n', 'x', 's', 'h',
	0x0b, 'r', 'a', 'n', 'd', 'o', 'm', '_', 'f', 'i', 'l', 'l',
	0x00, 0x00,
	// fill_huge (func 1), fill_ok (func 2)
	0x03, 0x03, 0x02, 0x01, 0x01,
	// memory: min 1, max 1 page
	0x05, 0x04, 0x01, 0x01, 0x01, 0x01,
	0x07, 0x20, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x09, 'f', 'i', 'l', 'l', '_', 'h', 'u', 'g', 'e', 0x00, 0x01,
	0x07, 'f', 'i', 'l', 'l', '_', 'o', 'k', 0x00, 0x02,
	0x0a, 0x25, 0x02,
	// fill_huge: i32.store(0, random_fill(0, 1<<28)); return 4
	0x13, 0x00,
	0x41, 0x00,
	0x41, 0x00,
	0x41, 0x80, 0x80, 0x80, 0x80, 0x10,
	0x10, 0x00,
	0x36, 0x02, 0x00,
	0x42, 0x04, 0x0b,
	// fill_ok: i32.store(0, random_fill(8, 16)); return 4
	0x0f, 0x00,
	0x41, 0x00,
	0x41, 0x08,
	0x41, 0x10,
	0x10, 0x00,
	0x36, 0x02, 0x00,
	0x42, 0x04, 0x0b,
}

// clockModule imports nxsh.clock_read and exports `get_time`, which
// stores the host time at offset 0 and returns (0<<32)|8. Loading it
// fails unless clock:read was granted.
var clockModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: ()->(i64)
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7e,
	// import nxsh.clock_read (func 0)
	0x02, 0x13, 0x01,
	0x04, 'n', 'x', 's', 'h',
	0x0a, 'c', 'l', 'o', 'c', 'k', '_', 'r', 'e', 'a', 'd',
	0x00, 0x00,
	// get_time (func 1)
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x15, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x08, 'g', 'e', 't', '_', 't', 'i', 'm', 'e', 0x00, 0x01,
	// i64.store(0, clock_read()); return 8
	0x0a, 0x0d, 0x01,
	0x0b, 0x00, 0x41, 0x00, 0x10, 0x00, 0x37, 0x03, 0x00, 0x42, 0x08, 0x0b,
}
