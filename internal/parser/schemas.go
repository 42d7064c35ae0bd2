package parser

// OutlineSchema is the chapter plan an author produces for its book.
var OutlineSchema = MustSchema("outline", "",
	[]string{"title", "synopsis", "summary"},
	[]string{"chapters"},
	`{
	"type": "object",
	"required": ["chapters"],
	"properties": {
		"title": {"type": "string"},
		"synopsis": {"type": "string"},
		"chapters": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["number", "title"],
				"properties": {
					"number": {"type": "integer", "minimum": 1},
					"title": {"type": "string", "minLength": 1},
					"summary": {"type": "string"},
					"keyEvents": {"type": "array", "items": {"type": "string"}},
					"wordCountTarget": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`)

// ChapterSchema is one written chapter.
var ChapterSchema = MustSchema("chapter", "content",
	[]string{"title", "content", "summary"},
	[]string{"content"},
	`{
	"type": "object",
	"required": ["content"],
	"properties": {
		"title": {"type": "string"},
		"content": {"type": "string", "minLength": 1},
		"summary": {"type": "string"}
	}
}`)

// CommentSchema is one reader's reaction to a chapter.
var CommentSchema = MustSchema("comment", "content",
	[]string{"content"},
	[]string{"rating", "content"},
	`{
	"type": "object",
	"required": ["rating", "content"],
	"properties": {
		"rating": {"type": "integer", "minimum": 1, "maximum": 10},
		"content": {"type": "string"}
	}
}`)
