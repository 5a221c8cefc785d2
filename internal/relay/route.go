package relay

import (
	"log/slog"

	"github.com/tfclaw/tfclaw/internal/wire"
)

const noAgentMessage = "No active terminal agent connected for this token."

// routeAgent handles one frame from the session's agent socket.
// Payload-bearing frames are forwarded verbatim so unknown fields the
// relay does not model survive the hop.
func (h *Hub) routeAgent(sess *session, sock *socket, frame *wire.Frame, raw []byte) {
	switch frame.Type {
	case wire.TypeAgentRegister:
		var desc wire.AgentDescriptor
		if err := frame.Unmarshal(&desc); err != nil {
			h.sendAck(sock, "", false, err.Error())
			return
		}
		sess.setAgentInfo(&desc)
		sess.broadcastState()

	case wire.TypeAgentTerminalList:
		var list wire.TerminalList
		if err := frame.Unmarshal(&list); err != nil {
			h.sendAck(sock, "", false, err.Error())
			return
		}
		sess.replaceTerminals(list.Terminals)
		sess.broadcastState()

	case wire.TypeAgentTerminalOutput:
		var out wire.TerminalOutput
		if err := frame.Unmarshal(&out); err != nil {
			h.sendAck(sock, "", false, err.Error())
			return
		}
		sess.appendSnapshot(out.TerminalID, out.Chunk, out.At)
		sess.broadcast(raw)

	case wire.TypeAgentScreenCapture,
		wire.TypeAgentCaptureSources,
		wire.TypeAgentCommandResult,
		wire.TypeAgentError:
		sess.broadcast(raw)

	default:
		h.sendAck(sock, "", false, "unsupported message type from agent: "+frame.Type)
	}
}

// routeClient handles one frame from a client socket.
func (h *Hub) routeClient(sess *session, sock *socket, frame *wire.Frame, raw []byte) {
	switch frame.Type {
	case wire.TypeClientHello:
		var hello wire.ClientHello
		if err := frame.Unmarshal(&hello); err != nil {
			h.sendAck(sock, "", false, err.Error())
			return
		}
		h.sendAck(sock, "", true, "hello "+hello.ClientType)
		if data, err := wire.Encode(wire.TypeRelayState, sess.composeState()); err == nil {
			_ = sock.send(data)
		}

	case wire.TypeClientCommand:
		var cmd wire.ClientCommand
		if err := frame.Unmarshal(&cmd); err != nil {
			h.sendAck(sock, "", false, err.Error())
			return
		}
		h.routeClientCommand(sess, sock, &cmd, raw)

	default:
		h.sendAck(sock, "", false, "unsupported message type from client: "+frame.Type)
	}
}

func (h *Hub) routeClientCommand(sess *session, sock *socket, cmd *wire.ClientCommand, raw []byte) {
	agent := sess.agentSocket()

	// Snapshot requests are answered from the cache before the agent
	// ever sees them, so even a dead agent leaves a warm view.
	if cmd.Payload.Command == wire.CmdTerminalSnapshot {
		st := sess.composeMinimalState(cmd.Payload.TerminalID)
		if data, err := wire.Encode(wire.TypeRelayState, st); err == nil {
			_ = sock.send(data)
		}
		if agent != nil {
			_ = agent.send(raw)
		}
		return
	}

	if agent == nil {
		// terminal.input is fire-and-forget: the sender gets the
		// failure notice but no requestId echo to resolve a waiter.
		if cmd.Payload.Command == wire.CmdTerminalInput {
			h.sendAck(sock, "", false, noAgentMessage)
		} else {
			h.sendAck(sock, cmd.RequestID, false, noAgentMessage)
		}
		return
	}

	if err := agent.send(raw); err != nil {
		slog.Warn("forward to agent failed", "command", cmd.Payload.Command, "error", err)
		h.sendAck(sock, cmd.RequestID, false, "agent unreachable")
		return
	}
	if cmd.Payload.Command != wire.CmdTerminalInput {
		h.sendAck(sock, cmd.RequestID, true, "")
	}
}
