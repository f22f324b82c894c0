package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/hersh/ragerelay/internal/netclient"
	"github.com/hersh/ragerelay/internal/protocol"
)

// Subscriber is satisfied by *netclient.Client.
type Subscriber interface {
	On(kind protocol.MessageType, fn netclient.Handler) netclient.Subscription
}

var forwarded = []protocol.MessageType{
	protocol.MsgRoomJoined,
	protocol.MsgPlayerJoined,
	protocol.MsgPlayerMoved,
	protocol.MsgPlayerLeft,
	protocol.MsgLevelAdvance,
	protocol.MsgReconnectFailed,
}

// Forward hands every relay event the model cares about to send, usually
// (*tea.Program).Send.
func Forward(client Subscriber, send func(tea.Msg)) []netclient.Subscription {
	subs := make([]netclient.Subscription, 0, len(forwarded))
	for _, kind := range forwarded {
		subs = append(subs, client.On(kind, func(msg protocol.Message) {
			send(ServerMsg{Msg: msg})
		}))
	}
	return subs
}
