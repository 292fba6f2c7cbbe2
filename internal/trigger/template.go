package trigger

import (
	"strings"
)

// ResolveTemplate replaces {key} tokens case-insensitively in a single
// pass. Sources overlay in order, later winning: rule captures, caller
// additionals, then the standard message context keys. Unknown tokens stay
// literal, which makes resolution idempotent.
func ResolveTemplate(template string, captures, additionals map[string]string, msg *IncomingMessage) string {
	values := make(map[string]string, len(captures)+len(additionals)+8)
	for k, v := range captures {
		values[strings.ToLower(k)] = v
	}
	for k, v := range additionals {
		values[strings.ToLower(k)] = v
	}
	if msg != nil {
		values["username"] = msg.Username
		values["userid"] = msg.UserID
		values["channelid"] = msg.ChannelID
		values["channelname"] = msg.ChannelName
		values["source"] = string(msg.Source)
		values["messageid"] = msg.MessageID
		values["text"] = msg.Text
	}

	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			b.WriteString(template[i:])
			break
		}
		close += open

		b.WriteString(template[i:open])
		token := template[open+1 : close]
		if value, ok := values[strings.ToLower(token)]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(template[open : close+1])
		}
		i = close + 1
	}
	return b.String()
}
