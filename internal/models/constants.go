package models

const (
	PageSeparator    = "\n"
	ContextSeparator = "\n\n"
	ThinkTag         = `(?s)<think>.*?</think>`
	FormFeed         = "\f"
)

const (
	MediaTypePDF      = "application/pdf"
	MediaTypeText     = "text/plain"
	MediaTypeMarkdown = "text/markdown"
	MediaTypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypePPTX     = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	MediaTypeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	AnswerPromptTemplate = `Answer briefly and accurately using ONLY the context below.
If the context is empty or does not contain the answer, reply that no information is available in the document.

Context:
%s

Question:
%s
`
)
