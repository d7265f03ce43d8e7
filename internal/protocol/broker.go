package protocol

import (
	"fmt"
	"strconv"
	"strings"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/model"
)

// BrokerCode is the single leading digit of a broker line
type BrokerCode byte

const (
	BrokerFailure        BrokerCode = 0
	BrokerHello          BrokerCode = 1
	BrokerBye            BrokerCode = 2
	BrokerGetResource    BrokerCode = 3
	BrokerReturnResource BrokerCode = 4
	BrokerSetPing        BrokerCode = 5
	BrokerCheckModel     BrokerCode = 6
	BrokerModelCached    BrokerCode = 7
	BrokerModelExpired   BrokerCode = 8
	BrokerLoadModel      BrokerCode = 9
)

var brokerCodeNames = [...]string{
	"FAILURE", "HELLO", "BYE", "GET_RESOURCE", "RETURN_RESOURCE",
	"SET_PING", "CHECK_MODEL", "MODEL_CACHED", "MODEL_EXPIRED", "LOAD_MODEL",
}

func (c BrokerCode) String() string {
	if int(c) < len(brokerCodeNames) {
		return brokerCodeNames[c]
	}
	return fmt.Sprintf("CODE(%d)", byte(c))
}

const (
	fieldSeparator = ";"
	lineSeparator  = "\n"
)

// BrokerMessage is one line of the broker protocol.
type BrokerMessage struct {
	Code   BrokerCode
	Fields []string
}

// Encode renders the line including the trailing line separator. Every field
// is followed by a field separator.
func (m BrokerMessage) Encode() string {
	var b strings.Builder
	b.WriteByte('0' + byte(m.Code))
	for _, f := range m.Fields {
		b.WriteString(f)
		b.WriteString(fieldSeparator)
	}
	b.WriteString(lineSeparator)
	return b.String()
}

// Field returns the i-th field or "" when absent.
func (m BrokerMessage) Field(i int) string {
	if i < len(m.Fields) {
		return m.Fields[i]
	}
	return ""
}

// ParseBrokerLine decodes one line without its terminator. CR is tolerated.
func ParseBrokerLine(line string) (BrokerMessage, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return BrokerMessage{}, simerrors.UnknownMessage("broker", "empty line")
	}
	c := line[0]
	if c < '0' || c > '9' {
		return BrokerMessage{}, simerrors.UnknownMessage("broker", string(c))
	}

	msg := BrokerMessage{Code: BrokerCode(c - '0')}
	content := line[1:]
	if content != "" {
		msg.Fields = strings.Split(strings.TrimSuffix(content, fieldSeparator), fieldSeparator)
	}
	return msg, nil
}

func NewHello(identity string, resources int, pings []int) BrokerMessage {
	fields := make([]string, 0, len(pings)+2)
	fields = append(fields, identity, strconv.Itoa(resources))
	for _, p := range pings {
		fields = append(fields, strconv.Itoa(p))
	}
	return BrokerMessage{Code: BrokerHello, Fields: fields}
}

func NewBye() BrokerMessage {
	return BrokerMessage{Code: BrokerBye}
}

func NewGetResource(n int) BrokerMessage {
	return BrokerMessage{Code: BrokerGetResource, Fields: []string{strconv.Itoa(n)}}
}

func NewReturnResource(address string, rtt float64) BrokerMessage {
	return BrokerMessage{
		Code:   BrokerReturnResource,
		Fields: []string{address, formatMillis(rtt)},
	}
}

// formatMillis renders a double the way the broker writes them: shortest
// form, always with a fractional part ("50.0", "12.25").
func formatMillis(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".IN") {
		s += ".0"
	}
	return s
}

func NewCheckModel(hash model.ModelHash) BrokerMessage {
	return BrokerMessage{Code: BrokerCheckModel, Fields: []string{hash.String()}}
}

func NewModelCached(hash model.ModelHash) BrokerMessage {
	return BrokerMessage{Code: BrokerModelCached, Fields: []string{hash.String()}}
}

func NewModelExpired(hash model.ModelHash) BrokerMessage {
	return BrokerMessage{Code: BrokerModelExpired, Fields: []string{hash.String()}}
}

// ParseResourceGrant reads "address;latency" from a GET_RESOURCE line.
func ParseResourceGrant(m BrokerMessage) (string, float64, error) {
	if len(m.Fields) < 2 || m.Fields[0] == "" {
		return "", 0, simerrors.InvalidArgument("resource grant needs address and latency", nil)
	}
	latency, err := strconv.ParseFloat(strings.TrimSpace(m.Fields[1]), 64)
	if err != nil {
		return "", 0, simerrors.InvalidArgument("resource grant latency", err)
	}
	return m.Fields[0], latency, nil
}

// ParseResourceReturn reads the address from a RETURN_RESOURCE line.
func ParseResourceReturn(m BrokerMessage) (string, error) {
	if m.Field(0) == "" {
		return "", simerrors.InvalidArgument("resource return needs an address", nil)
	}
	return m.Fields[0], nil
}

// ParseCheckModel reads "hex;flag". A flag of "0" means the broker lacks the model.
func ParseCheckModel(m BrokerMessage) (model.ModelHash, bool, error) {
	hash, err := model.ParseHash(m.Field(0))
	if err != nil {
		return hash, false, simerrors.InvalidArgument("check model reply", err)
	}
	if len(m.Fields) < 2 {
		return hash, false, simerrors.InvalidArgument("check model reply needs a presence flag", nil)
	}
	return hash, m.Fields[1] != "0", nil
}

// ParseLoadModel reads the hash from a LOAD_MODEL line.
func ParseLoadModel(m BrokerMessage) (model.ModelHash, error) {
	hash, err := model.ParseHash(m.Field(0))
	if err != nil {
		return hash, simerrors.InvalidArgument("load model request", err)
	}
	return hash, nil
}
