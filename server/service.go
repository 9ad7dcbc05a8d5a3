package server

import (
	"encoding/json"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service is a receiver whose methods of the form
//
//	func (r *T) Name(args *A, reply *R) error
//
// are served as "<domain>.<name>".
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for servable methods. An empty name uses the
// receiver's type name.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, errors.Errorf("rpc: %s has no servable methods", name)
	}
	return s, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// lookup accepts the Go name or the same name with a lower-case first
// letter, since commands on the wire are usually camelCase.
func (s *service) lookup(command string) (*methodType, bool) {
	if m, ok := s.method[command]; ok {
		return m, true
	}
	r, size := utf8.DecodeRuneInString(command)
	if r == utf8.RuneError {
		return nil, false
	}
	m, ok := s.method[string(unicode.ToUpper(r))+command[size:]]
	return m, ok
}

// decodeArgs fills a new ArgType from the positional params. A slice or
// array argument takes the whole list; anything else takes the first
// element, and a missing one leaves the zero value.
func (m *methodType) decodeArgs(params json.RawMessage, list []json.RawMessage) (reflect.Value, error) {
	argv := reflect.New(m.ArgType)
	switch {
	case m.ArgType.Kind() == reflect.Slice || m.ArgType.Kind() == reflect.Array:
		if len(list) == 0 {
			return argv, nil
		}
		if err := json.Unmarshal(params, argv.Interface()); err != nil {
			return reflect.Value{}, err
		}
	case len(list) > 0:
		if err := json.Unmarshal(list[0], argv.Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	return argv, nil
}

func (s *service) call(m *methodType, argv, replyv reflect.Value) error {
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := m.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
