package kick

import "encoding/json"

// PingFrame is the Pusher client keepalive.
var PingFrame = []byte(`{"event":"pusher:ping","data":{}}`)

// PongFrame answers a server-initiated ping.
var PongFrame = []byte(`{"event":"pusher:pong","data":{}}`)

// SubscribeFrame builds the public-channel subscribe request for a chatroom.
func SubscribeFrame(chatroomID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event": EventSubscribe,
		"data": map[string]string{
			"auth":    "",
			"channel": ChatroomChannel(chatroomID),
		},
	})
	return b
}
