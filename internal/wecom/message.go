package wecom

import (
	"errors"
	"fmt"
	"strings"
)

// MessageType 是推送请求中的消息类型。
type MessageType string

const (
	MessageTextCard MessageType = "TEXT_CARD"
	MessageText     MessageType = "TEXT"
	MessageMarkdown MessageType = "MARKDOWN"
)

// 卡片消息固定的按钮文字
const cardButtonText = "详情"

// Message 是一次推送请求。Target 为接收人, 多个用 | 分隔, 原样作为 touser 传给接口。
type Message struct {
	Target  string      `json:"target"`
	Type    MessageType `json:"type"`
	Title   string      `json:"title"`
	Content string      `json:"content"`
	URL     string      `json:"url"`
}

// Normalize fills the default type and validates the required fields.
func (m *Message) Normalize() error {
	if m.Type == "" {
		m.Type = MessageTextCard
	}
	var errs []error
	if strings.TrimSpace(m.Target) == "" {
		errs = append(errs, errors.New("target is required"))
	}
	if strings.TrimSpace(m.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	switch m.Type {
	case MessageTextCard:
		if strings.TrimSpace(m.URL) == "" {
			errs = append(errs, errors.New("url is required for TEXT_CARD messages"))
		}
	case MessageText, MessageMarkdown:
	default:
		errs = append(errs, fmt.Errorf("unknown message type %q", m.Type))
	}
	return errors.Join(errs...)
}

// TextCard is the textcard body of an application message.
type TextCard struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	BtnTxt      string `json:"btntxt"`
}

// Content is the body of text and markdown messages.
type Content struct {
	Content string `json:"content"`
}

// Payload 是 message/send 接口的请求体。
type Payload struct {
	ToUser               string    `json:"touser"`
	AgentID              int64     `json:"agentid"`
	EnableDuplicateCheck int       `json:"enable_duplicate_check"`
	MsgType              string    `json:"msgtype"`
	TextCard             *TextCard `json:"textcard,omitempty"`
	Text                 *Content  `json:"text,omitempty"`
	Markdown             *Content  `json:"markdown,omitempty"`
}

// BuildPayload maps a message to the provider request body. It is a pure
// function of its inputs.
func BuildPayload(m *Message, agentID int64) *Payload {
	p := &Payload{
		ToUser:               m.Target,
		AgentID:              agentID,
		EnableDuplicateCheck: 0,
	}

	switch m.Type {
	case MessageText:
		p.MsgType = "text"
		p.Text = &Content{Content: m.Title + "\n" + m.Content + "\n" + m.URL}
	case MessageMarkdown:
		p.MsgType = "markdown"
		body := "**" + m.Title + "**\n" + m.Content
		if m.URL != "" {
			body += "\n[" + cardButtonText + "](" + m.URL + ")"
		}
		p.Markdown = &Content{Content: body}
	default:
		p.MsgType = "textcard"
		p.TextCard = &TextCard{
			Title:       m.Title,
			Description: m.Content,
			URL:         m.URL,
			BtnTxt:      cardButtonText,
		}
	}
	return p
}
