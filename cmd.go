package kdmsg

import (
	"fmt"
	"strings"
)

// Cmd is the 32-bit command word of a message header.
//
//	bits 31..26  CREATE DELETE REPLY ABORT REVTRANS REVCIRC
//	bits 23..20  protocol
//	bits 19..10  header size in Align units
//	bits  7..0   command within the protocol
type Cmd uint32

const (
	CmdCreate   Cmd = 0x80000000
	CmdDelete   Cmd = 0x40000000
	CmdReply    Cmd = 0x20000000
	CmdAbort    Cmd = 0x10000000
	CmdRevTrans Cmd = 0x08000000
	CmdRevCirc  Cmd = 0x04000000

	CmdFlagsMask  Cmd = 0xFC000000
	CmdProtosMask Cmd = 0x00F00000
	CmdSizeMask   Cmd = 0x000FFC00
	CmdCmdsMask   Cmd = 0x000000FF

	// CmdBaseMask selects protocol and command, ignoring
	// flags and the size field.
	CmdBaseMask Cmd = CmdProtosMask | CmdCmdsMask

	// CmdTransMask are the flags that drive the state machine.
	CmdTransMask Cmd = CmdCreate | CmdDelete | CmdReply | CmdAbort

	cmdSizeShift = 10
)

const (
	ProtoLNK Cmd = 0x00000000
	ProtoDBG Cmd = 0x00100000
	ProtoAPP Cmd = 0x00F00000 // application defined commands
)

// link-level commands.
const (
	LnkPad   Cmd = ProtoLNK | 0x000
	LnkPing  Cmd = ProtoLNK | 0x001
	LnkConn  Cmd = ProtoLNK | 0x011
	LnkSpan  Cmd = ProtoLNK | 0x012
	LnkCirc  Cmd = ProtoLNK | 0x013
	LnkError Cmd = ProtoLNK | 0x0FF
)

// DbgShell carries a line of text for a remote debug shell.
const DbgShell Cmd = ProtoDBG | 0x001

func (c Cmd) Base() Cmd { return c & CmdBaseMask }
func (c Cmd) Flags() Cmd { return c & CmdFlagsMask }
func (c Cmd) Has(f Cmd) bool { return c&f == f }

// HeaderSize returns the total header length in bytes
// given by the size field.
func (c Cmd) HeaderSize() int {
	return int((c&CmdSizeMask)>>cmdSizeShift) * Align
}

// WithHeaderSize returns c with the size field set for a
// header of n bytes, n a multiple of Align.
func (c Cmd) WithHeaderSize(n int) Cmd {
	units := Cmd(n/Align) << cmdSizeShift
	return (c &^ CmdSizeMask) | (units & CmdSizeMask)
}

// maxSizeField is the largest header the size field can describe.
const maxSizeField = int(CmdSizeMask>>cmdSizeShift) * Align

func (c Cmd) baseName() string {
	switch c.Base() {
	case LnkPad:
		return "LNK_PAD"
	case LnkPing:
		return "LNK_PING"
	case LnkConn:
		return "LNK_CONN"
	case LnkSpan:
		return "LNK_SPAN"
	case LnkCirc:
		return "LNK_CIRC"
	case LnkError:
		return "LNK_ERROR"
	case DbgShell:
		return "DBG_SHELL"
	}
	return fmt.Sprintf("CMD(0x%05x)", uint32(c.Base()))
}

func (c Cmd) String() string {
	var flags []string
	if c.Has(CmdCreate) {
		flags = append(flags, "CREATE")
	}
	if c.Has(CmdDelete) {
		flags = append(flags, "DELETE")
	}
	if c.Has(CmdReply) {
		flags = append(flags, "REPLY")
	}
	if c.Has(CmdAbort) {
		flags = append(flags, "ABORT")
	}
	if c.Has(CmdRevTrans) {
		flags = append(flags, "REVTRANS")
	}
	if c.Has(CmdRevCirc) {
		flags = append(flags, "REVCIRC")
	}
	if len(flags) == 0 {
		return c.baseName()
	}
	return c.baseName() + "|" + strings.Join(flags, "|")
}
