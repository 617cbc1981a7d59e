package messenger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnidesk/internal/models"
)

func decode(t *testing.T, body string) *WebhookPayload {
	t.Helper()
	var p WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	return &p
}

func TestNormalizeTextMessage(t *testing.T) {
	p := decode(t, `{"object":"page","entry":[{"id":"PAGE1","time":1,"messaging":[
		{"sender":{"id":"PSID1"},"recipient":{"id":"PAGE1"},"timestamp":1700000000000,
		 "message":{"mid":"mid.1","text":"hi there"}}]}]}`)

	envs, skips, err := Normalize(p)
	require.NoError(t, err)
	assert.Empty(t, skips)
	require.Len(t, envs, 1)

	e := envs[0]
	assert.Equal(t, models.KindMessage, e.Kind)
	assert.Equal(t, models.ChannelMessenger, e.ChannelType)
	assert.Equal(t, "PAGE1", e.ChannelExternalID)
	assert.Equal(t, "PSID1", e.SenderID)
	assert.Equal(t, "mid.1", e.ExternalID)
	assert.Equal(t, models.MessageText, e.ContentType)
	assert.Equal(t, "hi there", e.Content)
	assert.Equal(t, int64(1700000000000), e.Timestamp.UnixMilli())
}

func TestNormalizeLocationAttachment(t *testing.T) {
	p := decode(t, `{"object":"page","entry":[{"id":"PAGE1","messaging":[
		{"sender":{"id":"PSID1"},"recipient":{"id":"PAGE1"},"timestamp":1,
		 "message":{"mid":"mid.loc","attachments":[{"type":"location","payload":{"coordinates":{"lat":10,"long":20}}}]}}]}]}`)

	envs, _, err := Normalize(p)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, models.MessageLocation, envs[0].ContentType)
	assert.Equal(t, "Location: 10, 20", envs[0].Content)
	assert.Contains(t, envs[0].Content, "10")
	assert.Contains(t, envs[0].Content, "20")
}

func TestNormalizeAttachmentKinds(t *testing.T) {
	tests := []struct {
		name        string
		attachment  string
		wantType    models.MessageType
		wantContent string
		wantURL     string
	}{
		{"image", `{"type":"image","payload":{"url":"https://cdn/a.jpg"}}`, models.MessageImage, "[image]", "https://cdn/a.jpg"},
		{"sticker", `{"type":"image","payload":{"url":"https://cdn/s.png","sticker_id":369239263222822}}`, models.MessageSticker, "[sticker]", "https://cdn/s.png"},
		{"video", `{"type":"video","payload":{"url":"https://cdn/v.mp4"}}`, models.MessageVideo, "[video]", "https://cdn/v.mp4"},
		{"audio", `{"type":"audio","payload":{"url":"https://cdn/a.mp3"}}`, models.MessageAudio, "[audio]", "https://cdn/a.mp3"},
		{"file", `{"type":"file","payload":{"url":"https://cdn/f.pdf"}}`, models.MessageFile, "[file]", "https://cdn/f.pdf"},
		{"image missing payload", `{"type":"image"}`, models.MessageImage, "[image]", ""},
		{"location missing coords", `{"type":"location","payload":{}}`, models.MessageLocation, "[location]", ""},
		{"shared link", `{"type":"fallback","payload":{"title":"Our menu","url":"https://x.y"}}`, models.MessageFallback, "Our menu", "https://x.y"},
		{"unknown", `{"type":"story_mention","payload":{}}`, models.MessageFallback, "[attachment]", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := decode(t, `{"object":"page","entry":[{"id":"PAGE1","messaging":[
				{"sender":{"id":"PSID1"},"recipient":{"id":"PAGE1"},"timestamp":1,
				 "message":{"mid":"m","attachments":[`+tt.attachment+`]}}]}]}`)
			envs, _, err := Normalize(p)
			require.NoError(t, err)
			require.Len(t, envs, 1)
			assert.Equal(t, tt.wantType, envs[0].ContentType)
			assert.Equal(t, tt.wantContent, envs[0].Content)
			assert.Equal(t, tt.wantURL, envs[0].MediaURL)
		})
	}
}

func TestNormalizeAttachmentWithCaption(t *testing.T) {
	p := decode(t, `{"object":"instagram","entry":[{"id":"IG1","messaging":[
		{"sender":{"id":"IGSID"},"recipient":{"id":"IG1"},"timestamp":1,
		 "message":{"mid":"m","text":"look","attachments":[{"type":"image","payload":{"url":"u1"}},{"type":"image","payload":{"url":"u2"}}]}}]}]}`)
	envs, _, err := Normalize(p)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, models.ChannelInstagram, envs[0].ChannelType)
	assert.Equal(t, "look", envs[0].Content)
	assert.Len(t, envs[0].Attachments, 2)
	assert.Equal(t, 2, envs[0].Metadata["attachment_count"])
}

func TestNormalizeDistinctKinds(t *testing.T) {
	p := decode(t, `{"object":"page","entry":[{"id":"PAGE1","messaging":[
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"timestamp":10,"postback":{"title":"Get Started","payload":"GET_STARTED"}},
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"timestamp":11,"message":{"mid":"m.qr","text":"Yes","quick_reply":{"payload":"YES"}}},
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"timestamp":12,"referral":{"ref":"summer","source":"SHORTLINK","type":"OPEN_THREAD"}},
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"timestamp":13,"read":{"watermark":9}},
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"timestamp":14,"delivery":{"mids":["m.out"],"watermark":9}}
	]}]}`)

	envs, skips, err := Normalize(p)
	require.NoError(t, err)
	assert.Empty(t, skips)
	require.Len(t, envs, 5)

	assert.Equal(t, models.KindPostback, envs[0].Kind)
	assert.Equal(t, models.MessagePostback, envs[0].ContentType)
	assert.Equal(t, "Get Started", envs[0].Content)
	assert.Equal(t, "GET_STARTED", envs[0].Metadata["payload"])
	assert.Equal(t, "postback:U:10", envs[0].ExternalID)

	assert.Equal(t, models.MessageQuickReply, envs[1].ContentType)
	assert.Equal(t, "YES", envs[1].Metadata["payload"])

	assert.Equal(t, models.KindReferral, envs[2].Kind)
	assert.Equal(t, "Referral: summer", envs[2].Content)

	assert.True(t, envs[3].IsReceipt())
	assert.Equal(t, models.MessageRead, envs[3].ReceiptStatus())
	assert.Empty(t, envs[3].ExternalID)

	assert.Equal(t, models.KindDelivery, envs[4].Kind)
	assert.Equal(t, []string{"m.out"}, envs[4].ReceiptIDs)
}

func TestNormalizeUntimedEventsGetStableIDs(t *testing.T) {
	body := `{"object":"page","entry":[{"id":"PAGE1","messaging":[
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"postback":{"title":"Menu","payload":"MENU"}},
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"postback":{"title":"Help","payload":"HELP"}},
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"referral":{"ref":"ad1","source":"ADS","type":"OPEN_THREAD"}}
	]}]}`

	first, _, err := Normalize(decode(t, body))
	require.NoError(t, err)
	require.Len(t, first, 3)
	retry, _, err := Normalize(decode(t, body))
	require.NoError(t, err)
	require.Len(t, retry, 3)

	for i := range first {
		assert.NotEmpty(t, first[i].ExternalID)
		assert.Equal(t, first[i].ExternalID, retry[i].ExternalID)
	}
	assert.NotEqual(t, first[0].ExternalID, first[1].ExternalID)
	assert.Contains(t, first[0].ExternalID, "postback:U:")
	assert.Contains(t, first[2].ExternalID, "referral:U:")
}

func TestNormalizeUsesEntryTimeForSyntheticID(t *testing.T) {
	p := decode(t, `{"object":"page","entry":[{"id":"PAGE1","time":5000,"messaging":[
		{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"postback":{"title":"Menu","payload":"MENU"}}
	]}]}`)
	envs, _, err := Normalize(p)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "postback:U:5000", envs[0].ExternalID)
}

func TestNormalizeSkipsEchoesAndBadEventsWithoutDroppingSiblings(t *testing.T) {
	p := decode(t, `{"object":"page","entry":[
		{"id":"PAGE1","messaging":[
			{"sender":{"id":"PAGE1"},"recipient":{"id":"U"},"timestamp":1,"message":{"mid":"m.self","text":"from page"}},
			{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"timestamp":2,"message":{"mid":"m.echo","text":"x","is_echo":true}},
			{"sender":{},"recipient":{"id":"PAGE1"},"timestamp":3,"message":{"mid":"m.nosender","text":"x"}},
			{"sender":{"id":"U"},"message":"not an object"},
			{"sender":{"id":"U"},"recipient":{"id":"PAGE1"},"timestamp":4,"message":{"mid":"m.ok","text":"ok"}}
		]},
		{"id":"PAGE2","messaging":[
			{"sender":{"id":"V"},"recipient":{"id":"PAGE2"},"timestamp":5,"message":{"mid":"m.ok2","text":"ok2"}},
			{"sender":{"id":"V"},"recipient":{"id":"PAGE2"},"timestamp":6,"message_reactions":{}}
		]}
	]}`)

	envs, skips, err := Normalize(p)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "m.ok", envs[0].ExternalID)
	assert.Equal(t, "m.ok2", envs[1].ExternalID)
	assert.Equal(t, "PAGE2", envs[1].ChannelExternalID)

	require.Len(t, skips, 5)
	assert.Equal(t, "echo", skips[0].Reason)
	assert.Equal(t, "echo", skips[1].Reason)
	assert.Equal(t, "missing sender id", skips[2].Reason)
	assert.Contains(t, skips[3].Reason, "malformed event")
	assert.Equal(t, "unsupported event", skips[4].Reason)
}

func TestNormalizeUnsupportedObject(t *testing.T) {
	_, _, err := Normalize(&WebhookPayload{Object: "whatsapp_business_account"})
	assert.Error(t, err)
}

func TestProfileDisplayName(t *testing.T) {
	assert.Equal(t, "Ana Lima", (&Profile{FirstName: "Ana", LastName: "Lima"}).DisplayName())
	assert.Equal(t, "Ana", (&Profile{FirstName: "Ana"}).DisplayName())
	assert.Equal(t, "ana.ig", (&Profile{Username: "ana.ig"}).DisplayName())
	assert.Equal(t, "Full", (&Profile{Name: "Full", FirstName: "x"}).DisplayName())
}
