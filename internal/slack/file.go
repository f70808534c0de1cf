package slack

type File struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Title      string   `json:"title,omitempty"`
	User       string   `json:"user,omitempty"`
	Mimetype   string   `json:"mimetype,omitempty"`
	Filetype   string   `json:"filetype,omitempty"`
	Size       int      `json:"size,omitempty"`
	Created    int64    `json:"created,omitempty"`
	URLPrivate string   `json:"url_private,omitempty"`
	Permalink  string   `json:"permalink,omitempty"`
	IsPublic   bool     `json:"is_public"`
	IsExternal bool     `json:"is_external,omitempty"`
	IsStarred  bool     `json:"is_starred,omitempty"`
	Stars      int      `json:"num_stars"`
	Channels   []string `json:"channels,omitempty"`
	Groups     []string `json:"groups,omitempty"`
	IMs        []string `json:"ims,omitempty"`

	Comments       map[string]*Comment `json:"comments,omitempty"`
	Reactions      []Reaction          `json:"reactions,omitempty"`
	InitialComment *Comment            `json:"initial_comment,omitempty"`
}

type Comment struct {
	ID        string     `json:"id"`
	User      string     `json:"user,omitempty"`
	Body      string     `json:"comment"`
	Created   int64      `json:"created,omitempty"`
	IsStarred bool       `json:"is_starred,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

func NewFile(m map[string]any) *File {
	if m == nil {
		return nil
	}
	f := &File{
		ID:         Str(m, "id"),
		Name:       Str(m, "name"),
		Title:      Str(m, "title"),
		User:       Str(m, "user"),
		Mimetype:   Str(m, "mimetype"),
		Filetype:   Str(m, "filetype"),
		Size:       Int(m, "size"),
		Created:    Int64(m, "created"),
		URLPrivate: Str(m, "url_private"),
		Permalink:  Str(m, "permalink"),
		IsPublic:   Bool(m, "is_public"),
		IsExternal: Bool(m, "is_external"),
		IsStarred:  Bool(m, "is_starred"),
		Stars:      Int(m, "num_stars"),
		Channels:   Strings(m, "channels"),
		Groups:     Strings(m, "groups"),
		IMs:        Strings(m, "ims"),
		Comments:   map[string]*Comment{},
		Reactions:  NewReactions(m),
	}
	if initial := NewComment(Object(m, "initial_comment")); initial != nil && initial.ID != "" {
		f.InitialComment = initial
	}
	return f
}

func NewComment(m map[string]any) *Comment {
	if m == nil {
		return nil
	}
	return &Comment{
		ID:        Str(m, "id"),
		User:      Str(m, "user"),
		Body:      Str(m, "comment"),
		Created:   Int64(m, "created"),
		IsStarred: Bool(m, "is_starred"),
		Reactions: NewReactions(m),
	}
}

func (f *File) Clone() *File {
	if f == nil {
		return nil
	}
	out := *f
	out.Channels = cloneStrings(f.Channels)
	out.Groups = cloneStrings(f.Groups)
	out.IMs = cloneStrings(f.IMs)
	out.Reactions = cloneReactions(f.Reactions)
	out.InitialComment = f.InitialComment.Clone()
	out.Comments = make(map[string]*Comment, len(f.Comments))
	for id, c := range f.Comments {
		out.Comments[id] = c.Clone()
	}
	return &out
}

func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	out := *c
	out.Reactions = cloneReactions(c.Reactions)
	return &out
}
