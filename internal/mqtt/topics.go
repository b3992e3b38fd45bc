package mqtt

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/Go-routine-4595/twinrelay/domain"
)

const (
	twinResponseFilter = "$iothub/twin/res/#"
	twinResponsePrefix = "$iothub/twin/res/"
	twinGetTopic       = "$iothub/twin/GET/?$rid="
	twinPatchTopic     = "$iothub/twin/PATCH/properties/reported/?$rid="
)

// system property keys of the property bag
const (
	propMessageID          = "$.mid"
	propCorrelationID      = "$.cid"
	propContentType        = "$.ct"
	propContentEncoding    = "$.ce"
	propConnectionDeviceID = "$.cdid"
	propConnectionModuleID = "$.cmid"
	propOutputName         = "$.on"
)

func (d ConnectionDescriptor) identityTopic() string {
	t := "devices/" + d.DeviceID
	if d.IsModule() {
		t += "/modules/" + d.ModuleID
	}
	return t
}

func (d ConnectionDescriptor) eventsTopic() string {
	return d.identityTopic() + "/messages/events/"
}

func (d ConnectionDescriptor) inputsPrefix() string {
	return d.identityTopic() + "/inputs/"
}

func (d ConnectionDescriptor) inputsFilter() string {
	return d.inputsPrefix() + "#"
}

// outputTopic is the events topic with the property bag of msg appended.
func (d ConnectionDescriptor) outputTopic(output string, msg *domain.Message) string {
	return d.eventsTopic() + encodePropertyBag(output, msg)
}

// parseInputTopic splits an input topic into the input name and the message
// properties carried in the property bag.
func (d ConnectionDescriptor) parseInputTopic(topic string) (string, *domain.Message, bool) {
	rest, ok := strings.CutPrefix(topic, d.inputsPrefix())
	if !ok || rest == "" {
		return "", nil, false
	}
	input, bag, _ := strings.Cut(rest, "/")
	if input == "" {
		return "", nil, false
	}

	msg := &domain.Message{}
	decodePropertyBag(bag, msg)
	msg.System.InputName = input
	return input, msg, true
}

func encodePropertyBag(output string, msg *domain.Message) string {
	var parts []string

	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+escapeBag(value))
		}
	}
	add(propOutputName, output)
	add(propMessageID, msg.System.MessageID)
	add(propCorrelationID, msg.System.CorrelationID)
	add(propContentType, msg.System.ContentType)
	add(propContentEncoding, msg.System.ContentEncoding)

	for _, p := range msg.Properties {
		parts = append(parts, escapeBag(p.Key)+"="+escapeBag(p.Value))
	}
	return strings.Join(parts, "&")
}

func decodePropertyBag(bag string, msg *domain.Message) {
	for _, pair := range strings.Split(bag, "&") {
		if pair == "" {
			continue
		}
		rk, rv, _ := strings.Cut(pair, "=")
		k := unescapeBag(rk)
		v := unescapeBag(rv)

		switch k {
		case propMessageID:
			msg.System.MessageID = v
		case propCorrelationID:
			msg.System.CorrelationID = v
		case propContentType:
			msg.System.ContentType = v
		case propContentEncoding:
			msg.System.ContentEncoding = v
		case propConnectionDeviceID:
			msg.System.ConnectionDeviceID = v
		case propConnectionModuleID:
			msg.System.ConnectionModuleID = v
		default:
			if strings.HasPrefix(k, "$.") {
				continue
			}
			msg.Properties = append(msg.Properties, domain.Property{Key: k, Value: v})
		}
	}
}

// escapeBag percent-encodes s. A space is %20 and '+' is not a space.
func escapeBag(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func unescapeBag(s string) string {
	v, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return v
}

// parseTwinResponseTopic reads "$iothub/twin/res/{status}/?$rid={rid}&...".
func parseTwinResponseTopic(topic string) (int, string, bool) {
	rest, ok := strings.CutPrefix(topic, twinResponsePrefix)
	if !ok {
		return 0, "", false
	}
	statusPart, query, _ := strings.Cut(rest, "/")
	status, err := strconv.Atoi(statusPart)
	if err != nil {
		return 0, "", false
	}
	query = strings.TrimPrefix(query, "?")

	for _, pair := range strings.Split(query, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k == "$rid" && v != "" {
			return status, v, true
		}
	}
	return 0, "", false
}
