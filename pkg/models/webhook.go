package models

// WebhookPayload is the JSON body WhatsApp Cloud API posts to the webhook.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

type Value struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []ProfileContact `json:"contacts,omitempty"`
	Messages []Message        `json:"messages,omitempty"`
	Statuses []Status         `json:"statuses,omitempty"`
}

// ProfileContact carries the sender's WhatsApp profile name.
type ProfileContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image       *MediaMessage       `json:"image,omitempty"`
	Video       *MediaMessage       `json:"video,omitempty"`
	Audio       *MediaMessage       `json:"audio,omitempty"`
	Document    *MediaMessage       `json:"document,omitempty"`
	Sticker     *MediaMessage       `json:"sticker,omitempty"`
	Button      *ButtonMessage      `json:"button,omitempty"`
	Interactive *InteractiveMessage `json:"interactive,omitempty"`
}

// MediaMessage represents a media attachment in a WhatsApp message
type MediaMessage struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ButtonMessage is a quick-reply button press on a template message.
type ButtonMessage struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

// InteractiveMessage represents an interactive message response (buttons, lists)
type InteractiveMessage struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"list_reply,omitempty"`
}

// Status is a delivery receipt for an outbound message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // sent, delivered, read, failed
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// Body returns the user-visible text of the message, if any.
func (m *Message) Body() string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	case m.Image != nil:
		return m.Image.Caption
	case m.Video != nil:
		return m.Video.Caption
	case m.Document != nil:
		return m.Document.Caption
	}
	return ""
}

// Media returns the media kind carried by the message, or "".
func (m *Message) Media() string {
	switch {
	case m.Image != nil:
		return "image"
	case m.Document != nil:
		return "document"
	case m.Video != nil:
		return "video"
	case m.Audio != nil:
		return "audio"
	case m.Sticker != nil:
		return "sticker"
	}
	return ""
}
