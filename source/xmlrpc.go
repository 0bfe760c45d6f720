// Copyright 2025 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package source

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/in-toto/keysweep/internal/httpclient"
)

// XMLRPCFault is returned when the server answers a call with a fault.
type XMLRPCFault struct {
	Code   int64
	Reason string
}

func (f XMLRPCFault) Error() string {
	return fmt.Sprintf("xml-rpc fault %d: %s", f.Code, f.Reason)
}

type xmlrpcResponse struct {
	XMLName xml.Name      `xml:"methodResponse"`
	Params  []xmlrpcValue `xml:"params>param>value"`
	Fault   *xmlrpcValue  `xml:"fault>value"`
}

type xmlrpcValue struct {
	Int     *string       `xml:"int"`
	I4      *string       `xml:"i4"`
	I8      *string       `xml:"i8"`
	String  *string       `xml:"string"`
	Boolean *string       `xml:"boolean"`
	Double  *string       `xml:"double"`
	Nil     *struct{}     `xml:"nil"`
	Array   *xmlrpcArray  `xml:"array"`
	Struct  *xmlrpcStruct `xml:"struct"`
	Text    string        `xml:",chardata"`
}

type xmlrpcArray struct {
	Values []xmlrpcValue `xml:"data>value"`
}

type xmlrpcStruct struct {
	Members []xmlrpcMember `xml:"member"`
}

type xmlrpcMember struct {
	Name  string      `xml:"name"`
	Value xmlrpcValue `xml:"value"`
}

// decode converts the value into int64, float64, bool, string, nil, []any or map[string]any.
func (v xmlrpcValue) decode() (any, error) {
	switch {
	case v.Array != nil:
		out := make([]any, 0, len(v.Array.Values))
		for _, item := range v.Array.Values {
			d, err := item.decode()
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			d, err := m.Value.decode()
			if err != nil {
				return nil, err
			}
			out[m.Name] = d
		}
		return out, nil
	case v.Int != nil, v.I4 != nil, v.I8 != nil:
		raw := firstNonNil(v.Int, v.I4, v.I8)
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid xml-rpc integer %q: %w", raw, err)
		}
		return n, nil
	case v.String != nil:
		return *v.String, nil
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1", nil
	case v.Double != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid xml-rpc double %q: %w", *v.Double, err)
		}
		return f, nil
	case v.Nil != nil:
		return nil, nil
	default:
		// untyped values are strings
		return v.Text, nil
	}
}

func firstNonNil(vals ...*string) string {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}

	return ""
}

func encodeXMLRPCCall(method string, params ...any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(&buf, []byte(method)); err != nil {
		return nil, err
	}
	buf.WriteString("</methodName><params>")
	for _, p := range params {
		buf.WriteString("<param><value>")
		switch v := p.(type) {
		case int:
			writeXMLRPCInt(&buf, int64(v))
		case int64:
			writeXMLRPCInt(&buf, v)
		case uint64:
			if v > math.MaxInt64 {
				return nil, fmt.Errorf("xml-rpc integer %d out of range", v)
			}
			writeXMLRPCInt(&buf, int64(v))
		case string:
			buf.WriteString("<string>")
			if err := xml.EscapeText(&buf, []byte(v)); err != nil {
				return nil, err
			}
			buf.WriteString("</string>")
		case bool:
			if v {
				buf.WriteString("<boolean>1</boolean>")
			} else {
				buf.WriteString("<boolean>0</boolean>")
			}
		default:
			return nil, fmt.Errorf("unsupported xml-rpc parameter type %T", p)
		}
		buf.WriteString("</value></param>")
	}
	buf.WriteString("</params></methodCall>")
	return buf.Bytes(), nil
}

// writeXMLRPCInt uses the 32 bit <int> where the value fits and the <i8>
// extension otherwise.
func writeXMLRPCInt(buf *bytes.Buffer, v int64) {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		fmt.Fprintf(buf, "<int>%d</int>", v)
		return
	}

	fmt.Fprintf(buf, "<i8>%d</i8>", v)
}

// callXMLRPC performs a single XML-RPC call and returns the decoded first result.
func (t *transport) callXMLRPC(ctx context.Context, endpoint, method string, params ...any) (any, error) {
	body, err := encodeXMLRPCCall(method, params...)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xml-rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if err := httpclient.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("xml-rpc %s: %w", method, err)
	}

	var parsed xmlrpcResponse
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("malformed xml-rpc response for %s: %w", method, err)
	}

	if parsed.Fault != nil {
		return nil, decodeFault(*parsed.Fault)
	}

	if len(parsed.Params) == 0 {
		return nil, fmt.Errorf("malformed xml-rpc response for %s: no result", method)
	}

	return parsed.Params[0].decode()
}

func decodeFault(v xmlrpcValue) error {
	decoded, err := v.decode()
	if err != nil {
		return fmt.Errorf("malformed xml-rpc fault: %w", err)
	}

	fault := XMLRPCFault{}
	if m, ok := decoded.(map[string]any); ok {
		if code, ok := m["faultCode"].(int64); ok {
			fault.Code = code
		}
		if reason, ok := m["faultString"].(string); ok {
			fault.Reason = reason
		}
	}

	return fault
}
