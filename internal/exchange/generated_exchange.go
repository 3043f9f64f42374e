package exchange

import "time"

// GeneratedExchange is an artifact produced by the capture itself, such as a
// screenshot. It has no raw bytes and no request.
type GeneratedExchange struct {
	id          string
	date        time.Time
	url         string
	description string
	entryPoint  bool
	response    *Message
}

// NewGeneratedExchange wraps body in a synthetic 200 response.
func NewGeneratedExchange(url string, headers []HeaderField, body []byte, isEntryPoint bool, description string) *GeneratedExchange {
	return &GeneratedExchange{
		id:          NewID(),
		date:        Now(),
		url:         url,
		description: description,
		entryPoint:  isEntryPoint,
		response:    NewResponse(200, "OK", headers, body),
	}
}

// RestoreGeneratedExchange rebuilds a generated exchange read back from an archive.
func RestoreGeneratedExchange(id string, date time.Time, url, description string, isEntryPoint bool, response *Message) *GeneratedExchange {
	return &GeneratedExchange{
		id:          id,
		date:        date,
		url:         url,
		description: description,
		entryPoint:  isEntryPoint,
		response:    response,
	}
}

func (g *GeneratedExchange) ID() string                  { return g.id }
func (g *GeneratedExchange) Date() time.Time             { return g.date }
func (g *GeneratedExchange) IsEntryPoint() bool          { return g.entryPoint }
func (g *GeneratedExchange) Source() Source              { return SourceGenerated }
func (g *GeneratedExchange) URL() string                 { return g.url }
func (g *GeneratedExchange) Description() string         { return g.description }
func (g *GeneratedExchange) HasRequest() bool            { return false }
func (g *GeneratedExchange) HasResponse() bool           { return g.response != nil }
func (g *GeneratedExchange) Request() (*Message, error)  { return nil, nil }
func (g *GeneratedExchange) Response() (*Message, error) { return g.response, nil }

// Size is the number of body bytes the exchange adds to a capture.
func (g *GeneratedExchange) Size() int {
	if g.response == nil {
		return 0
	}
	return len(g.response.Body)
}
