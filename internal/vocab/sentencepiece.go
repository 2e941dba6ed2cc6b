package vocab

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of sentencepiece_model.proto.
const (
	spModelPieces      protowire.Number = 1
	spModelTrainerSpec protowire.Number = 2

	spPiecePiece protowire.Number = 1
	spPieceScore protowire.Number = 2

	spTrainerBOS protowire.Number = 41
	spTrainerEOS protowire.Number = 42
)

// SentencePiece is a vocabulary decoded from a tokenizer.model file.
type SentencePiece struct {
	List
}

func LoadSentencePiece(path string) (*SentencePiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sp, err := ParseSentencePiece(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sp, nil
}

// ParseSentencePiece decodes the pieces and special ids of a serialized
// ModelProto. Unset bos/eos ids take the trainer defaults of 1 and 2.
func ParseSentencePiece(data []byte) (*SentencePiece, error) {
	sp := &SentencePiece{List: List{BOSID: 1, EOSID: 2}}

	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == spModelPieces && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if err := sp.addPiece(msg); err != nil {
				return 0, fmt.Errorf("piece %d: %w", len(sp.Pieces), err)
			}
			return n, nil
		case num == spModelTrainerSpec && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if err := sp.readTrainerSpec(msg); err != nil {
				return 0, fmt.Errorf("trainer_spec: %w", err)
			}
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse sentencepiece model: %w", err)
	}
	return sp, nil
}

func (sp *SentencePiece) addPiece(msg []byte) error {
	var (
		piece string
		score float32
	)
	err := walk(msg, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch {
		case num == spPiecePiece && wt == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			piece = v
			return n, nil
		case num == spPieceScore && wt == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			score = math.Float32frombits(v)
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return err
	}

	sp.Pieces = append(sp.Pieces, piece)
	sp.Scores = append(sp.Scores, score)
	return nil
}

func (sp *SentencePiece) readTrainerSpec(msg []byte) error {
	return walk(msg, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		if wt != protowire.VarintType || (num != spTrainerBOS && num != spTrainerEOS) {
			return -1, nil
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		// int32 fields carry negative values sign-extended to 64 bits.
		if num == spTrainerBOS {
			sp.BOSID = int(int32(v))
		} else {
			sp.EOSID = int(int32(v))
		}
		return n, nil
	})
}

// walk calls fn for every field in msg. fn returns how many bytes of the
// value it consumed, or -1 to have the field skipped.
func walk(msg []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]

		used, err := fn(num, typ, msg)
		if err != nil {
			return err
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, msg)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		msg = msg[used:]
	}
	return nil
}
