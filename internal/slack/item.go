package slack

const (
	ItemMessage     = "message"
	ItemFile        = "file"
	ItemFileComment = "file_comment"
)

// Item references the target of a pin, star or reaction: a message
// (channel + ts), a file, or a comment on a file.
type Item struct {
	Type          string   `json:"type"`
	Channel       string   `json:"channel,omitempty"`
	TS            string   `json:"ts,omitempty"`
	FileCommentID string   `json:"file_comment,omitempty"`
	Message       *Message `json:"message,omitempty"`
	File          *File    `json:"file,omitempty"`
	Comment       *Comment `json:"comment,omitempty"`
	CreatedBy     string   `json:"created_by,omitempty"`
	Created       int64    `json:"created,omitempty"`
}

// NewItem decodes an item. "file" may be a full object or a bare file
// id, as reaction events send the latter.
func NewItem(m map[string]any) *Item {
	if m == nil {
		return nil
	}
	item := &Item{
		Type:          Str(m, "type"),
		Channel:       Str(m, "channel"),
		TS:            Str(m, "ts"),
		FileCommentID: Str(m, "file_comment"),
		Message:       NewMessage(Object(m, "message")),
		Comment:       NewComment(Object(m, "comment")),
		CreatedBy:     Str(m, "created_by"),
		Created:       Int64(m, "created"),
	}
	if obj := Object(m, "file"); obj != nil {
		item.File = NewFile(obj)
	} else if id := Str(m, "file"); id != "" {
		item.File = &File{ID: id, Comments: map[string]*Comment{}}
	}
	if item.FileCommentID == "" && item.Comment != nil {
		item.FileCommentID = item.Comment.ID
	}
	return item
}

// MessageTS returns the referenced message timestamp, preferring the
// top-level ts over the nested message.
func (i Item) MessageTS() string {
	if i.TS != "" {
		return i.TS
	}
	if i.Message != nil {
		return i.Message.TS
	}
	return ""
}

func (i Item) MessageChannel() string {
	if i.Channel != "" {
		return i.Channel
	}
	if i.Message != nil {
		return i.Message.Channel
	}
	return ""
}

func (i Item) FileID() string {
	if i.File == nil {
		return ""
	}
	return i.File.ID
}

// Equal compares the references, not the embedded payloads, so an item
// from pin_removed matches the one recorded by pin_added.
func (i Item) Equal(other Item) bool {
	return i.Type == other.Type &&
		i.MessageChannel() == other.MessageChannel() &&
		i.MessageTS() == other.MessageTS() &&
		i.FileID() == other.FileID() &&
		i.FileCommentID == other.FileCommentID
}

func (i Item) Clone() Item {
	out := i
	out.Message = i.Message.Clone()
	out.File = i.File.Clone()
	out.Comment = i.Comment.Clone()
	return out
}
