package dhcp

import "golang.org/x/net/bpf"

// captureInstructions accepts unfragmented IPv4 UDP frames with source or
// destination port 67 or 68, equivalent to "udp and (port 67 or port 68)"
var captureInstructions = []bpf.Instruction{
	bpf.LoadAbsolute{Off: 12, Size: 2},                            // 0: ethertype
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0x0800, SkipTrue: 11}, // 1
	bpf.LoadAbsolute{Off: 23, Size: 1},                            // 2: ip protocol
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 17, SkipTrue: 9},      // 3
	bpf.LoadAbsolute{Off: 20, Size: 2},                            // 4: flags + fragment offset
	bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff, SkipTrue: 7},   // 5
	bpf.LoadMemShift{Off: 14},                                     // 6: x = ip header length
	bpf.LoadIndirect{Off: 14, Size: 2},                            // 7: udp source port
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: ServerPort, SkipTrue: 5}, // 8
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: ClientPort, SkipTrue: 4}, // 9
	bpf.LoadIndirect{Off: 16, Size: 2},                            // 10: udp destination port
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: ServerPort, SkipTrue: 2}, // 11
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: ClientPort, SkipTrue: 1}, // 12
	bpf.RetConstant{Val: 0},                                       // 13: drop
	bpf.RetConstant{Val: 262144},                                  // 14: accept
}

// CaptureInstructions returns the kernel filter program for lease traffic
func CaptureInstructions() []bpf.Instruction {
	out := make([]bpf.Instruction, len(captureInstructions))
	copy(out, captureInstructions)
	return out
}

// CaptureFilter returns the assembled filter for attaching to a socket
func CaptureFilter() ([]bpf.RawInstruction, error) {
	return bpf.Assemble(captureInstructions)
}
