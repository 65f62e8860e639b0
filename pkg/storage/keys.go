package storage

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixCI           = byte(0x10) // ci:ciID -> JSON(CI)
	prefixLayer        = byte(0x11) // layer:id8 -> JSON(Layer)
	prefixLayerName    = byte(0x12) // layername:name -> id8
	prefixChangeset    = byte(0x13) // changeset:id8 -> JSON(Changeset)
	prefixChangesetTS  = byte(0x14) // cstime:ts8:id8 -> empty
	prefixChangesetHit = byte(0x15) // cstouch:layer8:ts8:id8:ciID -> empty
	prefixPredicate    = byte(0x16) // predicate:id -> JSON(Predicate)

	prefixAttrVersion = byte(0x20) // attr:ci\0name\0layer8:ts8:cs8 -> record
	prefixAttrHead    = byte(0x21) // attrhead:ci\0name\0layer8 -> record
	prefixAttrByLayer = byte(0x22) // attrlayer:layer8:ci\0name -> record

	prefixRelVersion  = byte(0x30) // rel:from\0pred\0to\0layer8:ts8:cs8 -> record
	prefixRelHead     = byte(0x31) // relhead:from\0pred\0to\0layer8 -> record
	prefixRelIncoming = byte(0x32) // relin:to\0pred\0from\0layer8 -> empty
	prefixRelByLayer  = byte(0x33) // rellayer:layer8:from\0pred\0to -> empty
)

const sep = 0x00

// encodeTime maps an instant onto 8 bytes whose lexicographic order matches
// chronological order, including instants before the epoch.
func encodeTime(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

func decodeTime(u uint64) time.Time {
	return time.Unix(0, int64(u^(1<<63))).UTC()
}

func appendU64(key []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(key, v)
}

func appendStr(key []byte, s string) []byte {
	key = append(key, s...)
	return append(key, sep)
}

func ciKey(id CIID) []byte {
	return append([]byte{prefixCI}, id...)
}

func layerKey(id LayerID) []byte {
	return appendU64([]byte{prefixLayer}, uint64(id))
}

func layerNameKey(name string) []byte {
	return append([]byte{prefixLayerName}, name...)
}

func changesetKey(id ChangesetID) []byte {
	return appendU64([]byte{prefixChangeset}, uint64(id))
}

func changesetTimeKey(ts time.Time, id ChangesetID) []byte {
	key := make([]byte, 0, 17)
	key = append(key, prefixChangesetTS)
	key = appendU64(key, encodeTime(ts))
	return appendU64(key, uint64(id))
}

func changesetTouchKey(layer LayerID, ts time.Time, id ChangesetID, ci CIID) []byte {
	key := make([]byte, 0, 25+len(ci))
	key = append(key, prefixChangesetHit)
	key = appendU64(key, uint64(layer))
	key = appendU64(key, encodeTime(ts))
	key = appendU64(key, uint64(id))
	return append(key, ci...)
}

func changesetTouchPrefix(layer LayerID) []byte {
	return appendU64([]byte{prefixChangesetHit}, uint64(layer))
}

// parseChangesetTouchKey extracts (timestamp, changeset, ci) from a touch
// index key.
func parseChangesetTouchKey(key []byte) (time.Time, ChangesetID, CIID, error) {
	if len(key) < 25 || key[0] != prefixChangesetHit {
		return time.Time{}, 0, "", errors.Wrap(ErrInvalidData, "bad changeset touch key")
	}
	ts := decodeTime(binary.BigEndian.Uint64(key[9:17]))
	id := ChangesetID(binary.BigEndian.Uint64(key[17:25]))
	return ts, id, CIID(key[25:]), nil
}

func predicateKey(id string) []byte {
	return append([]byte{prefixPredicate}, id...)
}

// Attribute keys.

func attrPartition(prefix byte, ci CIID, name string, layer LayerID) []byte {
	key := make([]byte, 0, 1+len(ci)+1+len(name)+1+8+16)
	key = append(key, prefix)
	key = appendStr(key, string(ci))
	key = appendStr(key, name)
	return appendU64(key, uint64(layer))
}

func attrHeadKey(ci CIID, name string, layer LayerID) []byte {
	return attrPartition(prefixAttrHead, ci, name, layer)
}

func attrVersionPrefix(ci CIID, name string, layer LayerID) []byte {
	return attrPartition(prefixAttrVersion, ci, name, layer)
}

func attrVersionKey(ci CIID, name string, layer LayerID, ts time.Time, cs ChangesetID) []byte {
	key := attrVersionPrefix(ci, name, layer)
	key = appendU64(key, encodeTime(ts))
	return appendU64(key, uint64(cs))
}

// attrHeadScanPrefix returns the prefix of every head for a CI whose name
// starts with namePrefix.
func attrHeadScanPrefix(ci CIID, namePrefix string) []byte {
	key := make([]byte, 0, 1+len(ci)+1+len(namePrefix))
	key = append(key, prefixAttrHead)
	key = appendStr(key, string(ci))
	return append(key, namePrefix...)
}

func attrByLayerKey(layer LayerID, ci CIID, name string) []byte {
	key := make([]byte, 0, 9+len(ci)+1+len(name))
	key = append(key, prefixAttrByLayer)
	key = appendU64(key, uint64(layer))
	key = appendStr(key, string(ci))
	return append(key, name...)
}

func attrByLayerPrefix(layer LayerID) []byte {
	return appendU64([]byte{prefixAttrByLayer}, uint64(layer))
}

// parseAttrHeadKey extracts (ci, name, layer) from a head key.
func parseAttrHeadKey(key []byte) (CIID, string, LayerID, error) {
	if len(key) < 1+2+8 || key[0] != prefixAttrHead {
		return "", "", 0, errors.Wrap(ErrInvalidData, "bad attribute head key")
	}
	body := key[1 : len(key)-8]
	layer := LayerID(binary.BigEndian.Uint64(key[len(key)-8:]))
	ci, rest, ok := bytes.Cut(body, []byte{sep})
	if !ok || len(rest) == 0 || rest[len(rest)-1] != sep {
		return "", "", 0, errors.Wrap(ErrInvalidData, "bad attribute head key")
	}
	return CIID(ci), string(rest[:len(rest)-1]), layer, nil
}

// parseAttrByLayerKey extracts (layer, ci, name) from a per-layer index key.
func parseAttrByLayerKey(key []byte) (LayerID, CIID, string, error) {
	if len(key) < 1+8+1 || key[0] != prefixAttrByLayer {
		return 0, "", "", errors.Wrap(ErrInvalidData, "bad attribute layer key")
	}
	layer := LayerID(binary.BigEndian.Uint64(key[1:9]))
	ci, name, ok := bytes.Cut(key[9:], []byte{sep})
	if !ok {
		return 0, "", "", errors.Wrap(ErrInvalidData, "bad attribute layer key")
	}
	return layer, CIID(ci), string(name), nil
}

// Relation keys.

func relPartition(prefix byte, a CIID, pred string, b CIID, layer LayerID) []byte {
	key := make([]byte, 0, 1+len(a)+len(pred)+len(b)+3+8+16)
	key = append(key, prefix)
	key = appendStr(key, string(a))
	key = appendStr(key, pred)
	key = appendStr(key, string(b))
	return appendU64(key, uint64(layer))
}

func relHeadKey(k RelationKey, layer LayerID) []byte {
	return relPartition(prefixRelHead, k.From, k.Predicate, k.To, layer)
}

func relVersionPrefix(k RelationKey, layer LayerID) []byte {
	return relPartition(prefixRelVersion, k.From, k.Predicate, k.To, layer)
}

func relVersionKey(k RelationKey, layer LayerID, ts time.Time, cs ChangesetID) []byte {
	key := relVersionPrefix(k, layer)
	key = appendU64(key, encodeTime(ts))
	return appendU64(key, uint64(cs))
}

func relIncomingKey(k RelationKey, layer LayerID) []byte {
	return relPartition(prefixRelIncoming, k.To, k.Predicate, k.From, layer)
}

func relByLayerKey(layer LayerID, k RelationKey) []byte {
	key := make([]byte, 0, 9+len(k.From)+len(k.Predicate)+len(k.To)+2)
	key = append(key, prefixRelByLayer)
	key = appendU64(key, uint64(layer))
	key = appendStr(key, string(k.From))
	key = appendStr(key, k.Predicate)
	return append(key, k.To...)
}

func relByLayerPrefix(layer LayerID) []byte {
	return appendU64([]byte{prefixRelByLayer}, uint64(layer))
}

// relEndpointPrefix returns the scan prefix for heads (or incoming entries)
// anchored on one CI.
func relEndpointPrefix(prefix byte, ci CIID) []byte {
	return appendStr([]byte{prefix}, string(ci))
}

// parseRelPartitionKey splits a head or incoming key into its three string
// components and layer.
func parseRelPartitionKey(key []byte, prefix byte) (string, string, string, LayerID, error) {
	if len(key) < 1+3+8 || key[0] != prefix {
		return "", "", "", 0, errors.Wrap(ErrInvalidData, "bad relation key")
	}
	layer := LayerID(binary.BigEndian.Uint64(key[len(key)-8:]))
	parts := bytes.Split(key[1:len(key)-8], []byte{sep})
	// Trailing separator leaves an empty fourth part.
	if len(parts) != 4 || len(parts[3]) != 0 {
		return "", "", "", 0, errors.Wrap(ErrInvalidData, "bad relation key")
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), layer, nil
}

func parseRelByLayerKey(key []byte) (LayerID, RelationKey, error) {
	if len(key) < 1+8+2 || key[0] != prefixRelByLayer {
		return 0, RelationKey{}, errors.Wrap(ErrInvalidData, "bad relation layer key")
	}
	layer := LayerID(binary.BigEndian.Uint64(key[1:9]))
	parts := bytes.SplitN(key[9:], []byte{sep}, 3)
	if len(parts) != 3 {
		return 0, RelationKey{}, errors.Wrap(ErrInvalidData, "bad relation layer key")
	}
	return layer, RelationKey{From: CIID(parts[0]), Predicate: string(parts[1]), To: CIID(parts[2])}, nil
}

// Version records.
//
// Attribute record: state(1) | changeset(8) | ts(8) | encoded value.
// Relation record:  state(1) | changeset(8) | ts(8) | relation id.

const recordHeader = 17

func encodeRecord(state State, cs ChangesetID, ts time.Time, payload []byte) []byte {
	buf := make([]byte, recordHeader, recordHeader+len(payload))
	buf[0] = byte(state)
	binary.BigEndian.PutUint64(buf[1:9], uint64(cs))
	binary.BigEndian.PutUint64(buf[9:17], encodeTime(ts))
	return append(buf, payload...)
}

// versionMeta is the fixed part of a version record.
type versionMeta struct {
	state State
	cs    ChangesetID
	ts    time.Time
}

// after reports whether m is ordered strictly after o.
func (m versionMeta) after(o versionMeta) bool {
	if m.ts.Equal(o.ts) {
		return m.cs > o.cs
	}
	return m.ts.After(o.ts)
}

func decodeRecord(data []byte) (versionMeta, []byte, error) {
	if len(data) < recordHeader {
		return versionMeta{}, nil, errors.Wrap(ErrMalformedValue, "short version record")
	}
	state := State(data[0])
	if state > StateRenewed {
		return versionMeta{}, nil, errors.Wrapf(ErrMalformedValue, "unknown state %d", data[0])
	}
	return versionMeta{
		state: state,
		cs:    ChangesetID(binary.BigEndian.Uint64(data[1:9])),
		ts:    decodeTime(binary.BigEndian.Uint64(data[9:17])),
	}, data[recordHeader:], nil
}
