package curl

import (
	"strings"

	"github.com/tskulbru/kvile/internal/errdef"
)

type option struct {
	takesValue bool
	apply      func(b *builder, flag, value string) error
}

var longOptions = map[string]option{
	"request":        {takesValue: true, apply: optMethod},
	"header":         {takesValue: true, apply: optHeader},
	"user":           {takesValue: true, apply: optUser},
	"user-agent":     {takesValue: true, apply: optHeaderNamed("User-Agent")},
	"referer":        {takesValue: true, apply: optHeaderNamed("Referer")},
	"cookie":         {takesValue: true, apply: optHeaderNamed("Cookie")},
	"url":            {takesValue: true, apply: optURL},
	"data":           {takesValue: true, apply: optData},
	"data-ascii":     {takesValue: true, apply: optData},
	"data-binary":    {takesValue: true, apply: optData},
	"data-raw":       {takesValue: true, apply: optDataRaw},
	"data-urlencode": {takesValue: true, apply: optDataURLEncode},
	"json":           {takesValue: true, apply: optJSON},
	"get":            {apply: func(b *builder, _, _ string) error { b.get = true; return nil }},
	"head":           {apply: func(b *builder, _, _ string) error { b.head = true; return nil }},
	"compressed":     {apply: optCompressed},
	"location":       {apply: optNote("follow-redirects flag was set in curl")},
	"insecure":       {apply: optNote("insecure flag was set in curl")},
	"form":           {takesValue: true, apply: optNoteValue("multipart form field %s was not converted")},
	"max-time":       {takesValue: true, apply: optNoteValue("max-time %s was not converted")},
	"proxy":          {takesValue: true, apply: optNoteValue("proxy %s was not converted")},
	"output":         {takesValue: true, apply: optIgnore},
	"silent":         {apply: optIgnore},
	"show-error":     {apply: optIgnore},
	"verbose":        {apply: optIgnore},
	"include":        {apply: optIgnore},
	"fail":           {apply: optIgnore},
}

var shortOptions = map[byte]string{
	'X': "request",
	'H': "header",
	'u': "user",
	'A': "user-agent",
	'e': "referer",
	'b': "cookie",
	'd': "data",
	'G': "get",
	'I': "head",
	'L': "location",
	'k': "insecure",
	'F': "form",
	'm': "max-time",
	'x': "proxy",
	'o': "output",
	's': "silent",
	'S': "show-error",
	'v': "verbose",
	'i': "include",
	'f': "fail",
}

func optMethod(b *builder, flag, value string) error {
	method := strings.ToUpper(strings.TrimSpace(value))
	if method == "" {
		return errdef.New(errdef.CodeParse, "empty method for %s", flag)
	}
	b.method = method
	return nil
}

func optHeader(b *builder, flag, value string) error {
	name, v, ok := splitHeader(value)
	if !ok {
		return errdef.New(errdef.CodeParse, "invalid header %q for %s", value, flag)
	}
	b.setHeader(name, v)
	return nil
}

func optHeaderNamed(name string) func(*builder, string, string) error {
	return func(b *builder, _, value string) error {
		b.setHeader(name, value)
		return nil
	}
}

func optUser(b *builder, _, value string) error {
	b.user = &value
	return nil
}

func optURL(b *builder, _, value string) error {
	b.positional(value)
	return nil
}

func optData(b *builder, _, value string) error {
	if path, ok := fileBody(value); ok {
		b.data = append(b.data, path)
		return nil
	}
	b.data = append(b.data, value)
	return nil
}

func optDataRaw(b *builder, _, value string) error {
	b.data = append(b.data, value)
	return nil
}

func optDataURLEncode(b *builder, _, value string) error {
	b.data = append(b.data, urlEncodeField(value))
	return nil
}

func optJSON(b *builder, flag, value string) error {
	b.json = true
	return optData(b, flag, value)
}

func optCompressed(b *builder, _, _ string) error {
	if !b.hasHeader("Accept-Encoding") {
		b.headers["Accept-Encoding"] = acceptEncodingDefault
	}
	return nil
}

func optNote(msg string) func(*builder, string, string) error {
	return func(b *builder, _, _ string) error {
		b.note("%s", msg)
		return nil
	}
}

func optNoteValue(format string) func(*builder, string, string) error {
	return func(b *builder, _, value string) error {
		b.note(format, value)
		return nil
	}
}

func optIgnore(*builder, string, string) error { return nil }
