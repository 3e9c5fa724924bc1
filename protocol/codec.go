package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec serializes commands and messages for the worker boundary.
type Codec interface {
	Name() string
	EncodeCommand(cmd Command) ([]byte, error)
	DecodeCommand(data []byte) (Command, error)
	EncodeMessage(msg Message) ([]byte, error)
	DecodeMessage(data []byte) (Message, error)
}

// envelope is the {type, payload} wire shape
type envelope struct {
	Type    string          `json:"type"`
	RunID   string          `json:"runId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JSONCodec encodes messages as JSON envelopes
type JSONCodec struct{}

// Name returns the codec name
func (JSONCodec) Name() string { return "json" }

// EncodeCommand encodes a command envelope
func (JSONCodec) EncodeCommand(cmd Command) ([]byte, error) {
	var payload interface{}
	switch cmd.Type {
	case CmdConfig, CmdStart:
		if cmd.Config != nil {
			payload = cmd.Config
		}
	case CmdStep:
		payload = cmd.Step
	case CmdSpeed:
		payload = cmd.Speed
	case CmdPause, CmdResume, CmdStop:
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	return encodeEnvelope(string(cmd.Type), "", payload)
}

// DecodeCommand decodes a command envelope
func (JSONCodec) DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	cmd := Command{Type: CommandType(env.Type)}
	var err error
	switch cmd.Type {
	case CmdConfig, CmdStart:
		if hasPayload(env.Payload) {
			cmd.Config = &RunConfig{}
			err = json.Unmarshal(env.Payload, cmd.Config)
		}
	case CmdStep:
		cmd.Step = &StepPayload{}
		err = decodePayload(env.Payload, cmd.Step)
	case CmdSpeed:
		cmd.Speed = &SpeedPayload{}
		err = decodePayload(env.Payload, cmd.Speed)
	case CmdPause, CmdResume, CmdStop:
	default:
		return Command{}, fmt.Errorf("unknown command type %q", env.Type)
	}
	if err != nil {
		return Command{}, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return cmd, nil
}

// EncodeMessage encodes a response envelope
func (JSONCodec) EncodeMessage(msg Message) ([]byte, error) {
	var payload interface{}
	switch msg.Type {
	case MsgProgress:
		payload = msg.Progress
	case MsgMetrics:
		payload = msg.Metrics
	case MsgPredictions:
		payload = msg.Predictions
	case MsgActivations:
		payload = msg.Activations
	case MsgWeights:
		payload = msg.Weights
	case MsgPaused:
		payload = msg.Paused
	case MsgComplete:
		payload = msg.Complete
	case MsgError:
		payload = msg.Error
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return encodeEnvelope(string(msg.Type), msg.RunID, payload)
}

// DecodeMessage decodes a response envelope
func (JSONCodec) DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	msg := Message{Type: ResponseType(env.Type), RunID: env.RunID}
	var target interface{}
	switch msg.Type {
	case MsgProgress:
		msg.Progress = &Progress{}
		target = msg.Progress
	case MsgMetrics:
		msg.Metrics = &MetricPoint{}
		target = msg.Metrics
	case MsgPredictions:
		msg.Predictions = &Predictions{}
		target = msg.Predictions
	case MsgActivations:
		msg.Activations = &LayerSnapshots{}
		target = msg.Activations
	case MsgWeights:
		msg.Weights = &LayerSnapshots{}
		target = msg.Weights
	case MsgPaused:
		msg.Paused = &Paused{}
		target = msg.Paused
	case MsgComplete:
		msg.Complete = &Complete{}
		target = msg.Complete
	case MsgError:
		msg.Error = &ErrorPayload{}
		target = msg.Error
	default:
		return Message{}, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err := decodePayload(env.Payload, target); err != nil {
		return Message{}, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return msg, nil
}

func encodeEnvelope(typ, runID string, payload interface{}) ([]byte, error) {
	env := envelope{Type: typ, RunID: runID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		if string(raw) != "null" {
			env.Payload = raw
		}
	}
	return json.Marshal(env)
}

func hasPayload(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func decodePayload(raw json.RawMessage, target interface{}) error {
	if !hasPayload(raw) {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, target)
}

// ProtoCodec carries the JSON envelope as a protobuf Struct in binary
// wire format.
type ProtoCodec struct {
	inner JSONCodec
}

// Name returns the codec name
func (ProtoCodec) Name() string { return "proto" }

// EncodeCommand encodes a command
func (c ProtoCodec) EncodeCommand(cmd Command) ([]byte, error) {
	data, err := c.inner.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	return jsonToProto(data)
}

// DecodeCommand decodes a command
func (c ProtoCodec) DecodeCommand(data []byte) (Command, error) {
	raw, err := protoToJSON(data)
	if err != nil {
		return Command{}, err
	}
	return c.inner.DecodeCommand(raw)
}

// EncodeMessage encodes a message
func (c ProtoCodec) EncodeMessage(msg Message) ([]byte, error) {
	data, err := c.inner.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return jsonToProto(data)
}

// DecodeMessage decodes a message
func (c ProtoCodec) DecodeMessage(data []byte) (Message, error) {
	raw, err := protoToJSON(data)
	if err != nil {
		return Message{}, err
	}
	return c.inner.DecodeMessage(raw)
}

func jsonToProto(data []byte) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct: %w", err)
	}
	out, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	return out, nil
}

func protoToJSON(data []byte) ([]byte, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}
	out, err := protojson.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("failed to convert protobuf to JSON: %w", err)
	}
	return out, nil
}

// CodecByName returns the codec registered under name
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
