package protocol

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const separator = "|"

// MessageType represents the type of message
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypeJoin
	MessageTypeFile
)

// String returns the wire tag of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeText:
		return "MSG"
	case MessageTypeJoin:
		return "JOIN"
	case MessageTypeFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// FileHeader announces the chunk stream that immediately follows it.
type FileHeader struct {
	Sender   string
	FileName string
	Size     int64
	IsImage  bool
}

// Message represents a chat control message.
// File is only meaningful when Type is MessageTypeFile.
type Message struct {
	Type    MessageType
	Sender  string
	Content string
	File    FileHeader
}

// Encode encodes the message into its pipe-delimited frame payload.
func (m *Message) Encode() (string, error) {
	if err := ValidateUsername(m.Sender); err != nil {
		return "", err
	}
	switch m.Type {
	case MessageTypeJoin:
		return "JOIN|" + m.Sender, nil
	case MessageTypeText:
		return "MSG|" + m.Sender + separator + m.Content, nil
	case MessageTypeFile:
		hdr := m.File
		hdr.Sender = m.Sender
		return hdr.Encode()
	default:
		return "", fmt.Errorf("failed to encode message: %w: %d", ErrUnknownMessage, m.Type)
	}
}

// Decode parses a frame payload into the message.
func (m *Message) Decode(payload string) error {
	tag, rest, ok := strings.Cut(payload, separator)
	if !ok {
		return fmt.Errorf("failed to decode message: %w", ErrUnknownMessage)
	}

	switch tag {
	case "JOIN":
		if rest == "" {
			return fmt.Errorf("failed to decode JOIN: %w: empty username", ErrProtocolViolation)
		}
		*m = Message{Type: MessageTypeJoin, Sender: rest}
	case "MSG":
		// Only the first two separators delimit fields; the text keeps the rest.
		sender, text, ok := strings.Cut(rest, separator)
		if !ok {
			return fmt.Errorf("failed to decode MSG: %w: missing text field", ErrProtocolViolation)
		}
		*m = Message{Type: MessageTypeText, Sender: sender, Content: text}
	case "FILE":
		hdr, err := ParseFileHeader(payload)
		if err != nil {
			return err
		}
		*m = Message{Type: MessageTypeFile, Sender: hdr.Sender, File: hdr}
	default:
		return fmt.Errorf("failed to decode message: %w: %q", ErrUnknownMessage, tag)
	}
	return nil
}

// ParseMessage decodes a frame payload.
func ParseMessage(payload string) (Message, error) {
	var m Message
	err := m.Decode(payload)
	return m, err
}

// IsFileHeader reports whether payload announces a chunk stream.
func IsFileHeader(payload string) bool {
	return strings.HasPrefix(payload, "FILE|")
}

// Encode encodes the header as FILE|sender|name|size|isImage.
func (h FileHeader) Encode() (string, error) {
	if err := ValidateUsername(h.Sender); err != nil {
		return "", err
	}
	if err := validateField("file name", h.FileName); err != nil {
		return "", err
	}
	if h.Size < 0 {
		return "", fmt.Errorf("invalid file size %d", h.Size)
	}
	return strings.Join([]string{
		"FILE",
		h.Sender,
		h.FileName,
		strconv.FormatInt(h.Size, 10),
		formatBool(h.IsImage),
	}, separator), nil
}

// ParseFileHeader parses FILE|sender|name|size|isImage.
func ParseFileHeader(payload string) (FileHeader, error) {
	parts := strings.Split(payload, separator)
	if len(parts) != 5 || parts[0] != "FILE" {
		return FileHeader{}, fmt.Errorf("%w: FILE header has %d fields", ErrProtocolViolation, len(parts))
	}
	size, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || size < 0 {
		return FileHeader{}, fmt.Errorf("%w: invalid file size %q", ErrProtocolViolation, parts[3])
	}
	isImage, err := parseBool(parts[4])
	if err != nil {
		return FileHeader{}, err
	}
	if parts[2] == "" {
		return FileHeader{}, fmt.Errorf("%w: empty file name", ErrProtocolViolation)
	}
	return FileHeader{
		Sender:   parts[1],
		FileName: parts[2],
		Size:     size,
		IsImage:  isImage,
	}, nil
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".ico":  true,
}

// IsImageName reports whether name has an image file extension.
func IsImageName(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// SanitizeFileName makes name safe to carry in a FILE header.
func SanitizeFileName(name string) string {
	return strings.ReplaceAll(filepath.Base(name), separator, "_")
}

// ValidateUsername reports whether name can be sent as a username. Besides
// the field rules, ": " is refused because wrapped chat lines split the
// sender from the text on its first occurrence.
func ValidateUsername(name string) error {
	if err := validateField("username", name); err != nil {
		return err
	}
	if strings.Contains(name, senderSeparator) {
		return fmt.Errorf("username %q must not contain %q", name, senderSeparator)
	}
	return nil
}

func validateField(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if strings.Contains(value, separator) {
		return fmt.Errorf("%s %q must not contain %q", field, value, separator)
	}
	return nil
}

// formatBool writes booleans the way the reference peers expect them.
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func parseBool(s string) (bool, error) {
	switch {
	case strings.EqualFold(s, "true"):
		return true, nil
	case strings.EqualFold(s, "false"):
		return false, nil
	default:
		return false, fmt.Errorf("%w: invalid isImage flag %q", ErrProtocolViolation, s)
	}
}
