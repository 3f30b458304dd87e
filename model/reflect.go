// reflect.go - reflection-based weight binding
//
// Walks an architecture's struct tree and fills every ml.Tensor field (and
// every *nn.Linear/*nn.RMSNorm/*nn.Embedding field, each of which embeds
// one) from the backend, using the field's `gguf` tag to build the weight
// name. This is how a model/llama.Model ends up with its Attention.Query
// etc. populated without New's caller writing any wiring code.
package model

import (
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/ollama/llamaserve/ml"
)

// Tag is one parsed `gguf:"..."` struct tag.
type Tag struct {
	name, prefix, suffix string
	alternatives         []string
}

func parseTag(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.name = parts[0]
		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok && tag.name == "" {
				tag.name = value
				slog.Warn("gguf tag has alt: but no primary name", "tag", s)
			} else if ok {
				tag.alternatives = append(tag.alternatives, value)
			}
			if value, ok := strings.CutPrefix(part, "pre:"); ok {
				tag.prefix = value
			}
			if value, ok := strings.CutPrefix(part, "suf:"); ok {
				tag.suffix = value
			}
		}
	}
	return
}

func canNil(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	default:
		return false
	}
}

// populateFields recursively fills a struct's fields with tensors from
// base's backend, guided by the gguf tags collected on the path down to
// each field.
func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("gguf"); tag != "" {
				tagsCopy = append(tagsCopy, parseTag(tag))
			}

			switch {
			case tt == reflect.TypeOf((*Base)(nil)).Elem():
				vv.Set(reflect.ValueOf(base))
			case tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem():
				for _, name := range buildTensorNames(tagsCopy, "", "") {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "name", strings.Join(name, "."))
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			case tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface:
				setPointer(base, vv, tagsCopy)
			case tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array:
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

// buildTensorNames expands a tag chain into every candidate dotted weight
// name it could refer to, including alternatives.
func buildTensorNames(tags []Tag, prefix, suffix string) (fullNames [][]string) {
	if len(tags) > 0 {
		var names []string
		if tags[0].name != "" {
			for _, n := range append([]string{tags[0].name}, tags[0].alternatives...) {
				names = append(names, prefix+n+suffix)
			}
		}
		childNames := buildTensorNames(tags[1:], tags[0].prefix, tags[0].suffix)
		switch {
		case len(names) == 0:
			fullNames = append(fullNames, childNames...)
		case len(childNames) == 0:
			for _, name := range names {
				fullNames = append(fullNames, []string{name})
			}
		default:
			for _, name := range names {
				for _, childName := range childNames {
					fullNames = append(fullNames, append([]string{name}, childName...))
				}
			}
		}
	}
	return fullNames
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}
		vv = vv.Elem()
	}

	vv = reflect.Indirect(vv)
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}
