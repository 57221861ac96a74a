package server

import (
	"context"
	"fmt"
	"reflect"

	"local-rpc/codec"
	"local-rpc/protocol"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
	withCtx   bool
	stream    bool
	sendType  reflect.Type // func(*Reply) error, stream methods only
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	codec  codec.Codec
	method map[string]*methodType
}

// RegisterService registers the exported methods of rcvr (e.g. &Echo{}) under the
// receiver's type name. See RegisterName for the accepted method shapes.
func (s *Server) RegisterService(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName registers the exported methods of rcvr as "name.Method". An empty name
// uses the receiver's type name. Accepted shapes, A and R being any types:
//
//	func (*T) M(ctx context.Context, args *A, reply *R) error          // unary
//	func (*T) M(args *A, reply *R) error                               // unary
//	func (*T) M(ctx context.Context, args *A, send func(*R) error) error // server stream
//
// Payloads are converted with the server codec (JSON unless WithCodec says otherwise).
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr, s.codec)
	if err != nil {
		return err
	}
	hs := make(map[string]Handler, len(svc.method))
	for mname, m := range svc.method {
		if m.stream {
			hs[svc.name+"."+mname] = ServerStream(svc.streamHandler(m))
		} else {
			hs[svc.name+"."+mname] = Unary(svc.unaryHandler(m))
		}
	}
	return s.registerAll(hs)
}

// newService 创建 service 并扫描所有合法方法
func newService(name string, rcvr any, c codec.Codec) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		codec:  c,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("rpc: type %s has no exported methods of suitable type", typ.Elem().Name())
	}
	return svc, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		in := 1 // skip the receiver
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			in++
		} else if mt.NumIn() != 3 {
			continue
		}
		argType, last := mt.In(in), mt.In(in+1)
		if argType.Kind() != reflect.Ptr {
			continue
		}

		switch {
		case last.Kind() == reflect.Ptr:
			s.method[method.Name] = &methodType{
				method:    method,
				ArgType:   argType.Elem(),
				ReplyType: last.Elem(),
				withCtx:   withCtx,
			}
		case withCtx && isSendFunc(last):
			s.method[method.Name] = &methodType{
				method:    method,
				ArgType:   argType.Elem(),
				ReplyType: last.In(0).Elem(),
				withCtx:   true,
				stream:    true,
				sendType:  last,
			}
		}
	}
}

// isSendFunc matches func(*R) error.
func isSendFunc(t reflect.Type) bool {
	return t.Kind() == reflect.Func &&
		t.NumIn() == 1 && t.In(0).Kind() == reflect.Ptr &&
		t.NumOut() == 1 && t.Out(0) == errorType
}

func (s *service) decodeArgs(m *methodType, req []byte) (reflect.Value, error) {
	argv := reflect.New(m.ArgType)
	if len(req) > 0 {
		if err := s.codec.Decode(req, argv.Interface()); err != nil {
			return argv, Errorf(protocol.StatusBadRequest, "decode %s: %v", m.ArgType, err)
		}
	}
	return argv, nil
}

func (s *service) unaryHandler(m *methodType) UnaryFunc {
	return func(ctx context.Context, req []byte) ([]byte, error) {
		argv, err := s.decodeArgs(m, req)
		if err != nil {
			return nil, err
		}
		replyv := reflect.New(m.ReplyType)

		var args []reflect.Value
		if m.withCtx {
			args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
		} else {
			args = []reflect.Value{s.rcvr, argv, replyv}
		}
		if err := callErr(m.method.Func.Call(args)); err != nil {
			return nil, err
		}
		return s.codec.Encode(replyv.Interface())
	}
}

func (s *service) streamHandler(m *methodType) StreamFunc {
	return func(ctx context.Context, req []byte, send func([]byte) error) error {
		argv, err := s.decodeArgs(m, req)
		if err != nil {
			return err
		}
		sendv := reflect.MakeFunc(m.sendType, func(in []reflect.Value) []reflect.Value {
			b, err := s.codec.Encode(in[0].Interface())
			if err == nil {
				err = send(b)
			}
			return []reflect.Value{errValue(err)}
		})
		return callErr(m.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, sendv}))
	}
}

func callErr(results []reflect.Value) error {
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

func errValue(err error) reflect.Value {
	if err == nil {
		return reflect.Zero(errorType)
	}
	return reflect.ValueOf(&err).Elem()
}
