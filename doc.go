/*
Package kdmsg runs the kdmsg transactional messaging protocol over
any reliable byte stream: a TCP connection, a unix socketpair, a
QUIC stream, or an in-memory net.Pipe.

Every message is a 64-byte big-endian header, an optional header
extension, and an optional aux payload. Extension and aux are
padded to 64 bytes on the wire, and each carries a blake3-derived
32-bit checksum. The aux payload may be compressed with s2, lz4 or
zstd; the receiver learns which from the header.

Messages belong to transactions. A transaction has two directions,
and each direction opens with CREATE and closes with DELETE
independently of the other. The side that did not open the
transaction marks its messages with REPLY. A Conn keeps the
transactions the peer opened apart from the ones we opened, so
both sides can use the same msgid without confusion.

	A -> B   APP|CREATE                msgid 5   opens; B now has rd state 5
	B -> A   LNK_ERROR|CREATE|REPLY    msgid 5   B answers (Result)
	A -> B   APP|DELETE                msgid 5   A is done
	B -> A   LNK_ERROR|DELETE|REPLY    msgid 5   B is done; state 5 is gone on both ends

When the link goes down, whether the peer vanished or Close was
called, every open transaction is completed locally: each one's
receiver hears exactly one synthesized LNK_ERROR with DELETE,
ABORT and ErrCodeLostLink, after which the Conn reaches
PhaseClosed and Done is closed.

Circuits are virtual routes on top of the link. A node advertises
a reachable target with LNK_SPAN; the peer may answer by forging a
circuit with LNK_CIRC, whose msgid becomes the circuit id. A
circuit is reference counted and stays known exactly as long as a
span, a LNK_CIRC transaction, a Transaction or an in-flight Message
still uses it. See Config.Auto for letting the engine do all of
this on its own.

A minimal echo server:

	conn, err := kdmsg.NewConn(kdmsg.NewNetTransport(nc), cfg,
		func(msg *kdmsg.Message) error {
			if msg.Cmd&kdmsg.CmdCreate != 0 {
				return msg.State().Write(&kdmsg.Message{
					Cmd: msg.Cmd.Base() | kdmsg.CmdCreate | kdmsg.CmdDelete,
					Aux: msg.Aux,
				})
			}
			return nil
		})
	if err != nil {
		return err
	}
	conn.Start()
	<-conn.Done()

cmd/kdmsgd wraps all of the above into a daemon with serve, ping
and span subcommands.
*/
package kdmsg
