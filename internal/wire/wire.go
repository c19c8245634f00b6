// Package wire implements Xtrieve's byte-framed request/response
// protocol exactly as laid out in spec.md §6: one request, one
// response, little-endian throughout, repeated on a reliable ordered
// stream.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the requested operation.
type Opcode uint16

const (
	OpOpen        Opcode = 0
	OpClose       Opcode = 1
	OpInsert      Opcode = 2
	OpUpdate      Opcode = 3
	OpDelete      Opcode = 4
	OpGetEqual    Opcode = 5
	OpGetNext     Opcode = 6
	OpGetPrev     Opcode = 7
	OpGetGreater  Opcode = 8
	OpGetGE       Opcode = 9
	OpGetLess     Opcode = 10
	OpGetLE       Opcode = 11
	OpGetFirst    Opcode = 12
	OpGetLast     Opcode = 13
	OpCreate      Opcode = 14
	OpStat        Opcode = 15
	OpBegin       Opcode = 19
	OpEnd         Opcode = 20
	OpAbort       Opcode = 21
	OpStepNext    Opcode = 24
	OpUnlock      Opcode = 27
	OpStepFirst   Opcode = 33
	OpStepLast    Opcode = 34
	OpStepPrev    Opcode = 35
)

// Status mirrors the wire protocol's status_code field.
type Status uint16

const (
	StatusSuccess           Status = 0
	StatusInvalidOp         Status = 1
	StatusIO                Status = 2
	StatusFileNotOpen       Status = 3
	StatusKeyNotFound       Status = 4
	StatusDuplicateKey      Status = 5
	StatusInvalidKeyNumber  Status = 6
	StatusDifferentKeyNumber Status = 7
	StatusInvalidPositioning Status = 8
	StatusEndOfFile         Status = 9
	StatusFileNotFound      Status = 12
	StatusDiskFull          Status = 18
	StatusInternal          Status = 20
	StatusBufferTooShort    Status = 22
	StatusTxNotActive       Status = 36
	StatusTxAlreadyActive   Status = 37
	StatusTxFailed          Status = 38
	StatusTxLimitExceeded   Status = 39
	StatusDeadlock          Status = 78
	StatusRecordLocked      Status = 84
	StatusFileLocked        Status = 85
	StatusFileAlreadyOpen   Status = 88
	StatusPermission        Status = 94
)

// PositionBlockSize is the fixed opaque handle size echoed on every
// request/response.
const PositionBlockSize = 128

// Request is a fully decoded client request.
type Request struct {
	Operation     Opcode
	PositionBlock [PositionBlockSize]byte
	DataBuffer    []byte
	KeyBuffer     []byte
	KeyNumber     int16
	FilePath      string
	LockBias      uint16
}

// Response is a fully decoded server response.
type Response struct {
	Status        Status
	PositionBlock [PositionBlockSize]byte
	DataBuffer    []byte
	KeyBuffer     []byte
}

// ReadRequest decodes one request frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, err
	}
	req.Operation = Opcode(binary.LittleEndian.Uint16(hdr[:]))

	if _, err := io.ReadFull(r, req.PositionBlock[:]); err != nil {
		return Request{}, err
	}

	dataLen, err := readU32(r)
	if err != nil {
		return Request{}, err
	}
	req.DataBuffer, err = readN(r, int(dataLen))
	if err != nil {
		return Request{}, err
	}

	keyLen, err := readU16(r)
	if err != nil {
		return Request{}, err
	}
	req.KeyBuffer, err = readN(r, int(keyLen))
	if err != nil {
		return Request{}, err
	}

	kn, err := readU16(r)
	if err != nil {
		return Request{}, err
	}
	req.KeyNumber = int16(kn)

	pathLen, err := readU16(r)
	if err != nil {
		return Request{}, err
	}
	pathBuf, err := readN(r, int(pathLen))
	if err != nil {
		return Request{}, err
	}
	req.FilePath = string(pathBuf)

	req.LockBias, err = readU16(r)
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// WriteRequest encodes req to w, the inverse of ReadRequest. Used by
// cmd/xtrievectl and tests driving the server as a real client would.
func WriteRequest(w io.Writer, req Request) error {
	pathBytes := []byte(req.FilePath)
	buf := make([]byte, 0, 2+PositionBlockSize+4+len(req.DataBuffer)+2+len(req.KeyBuffer)+2+2+len(pathBytes)+2)
	var tmp2 [2]byte
	var tmp4 [4]byte

	binary.LittleEndian.PutUint16(tmp2[:], uint16(req.Operation))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, req.PositionBlock[:]...)

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(req.DataBuffer)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, req.DataBuffer...)

	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(req.KeyBuffer)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, req.KeyBuffer...)

	binary.LittleEndian.PutUint16(tmp2[:], uint16(req.KeyNumber))
	buf = append(buf, tmp2[:]...)

	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(pathBytes)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, pathBytes...)

	binary.LittleEndian.PutUint16(tmp2[:], req.LockBias)
	buf = append(buf, tmp2[:]...)

	_, err := w.Write(buf)
	return err
}

// ReadResponse decodes one response frame from r, the inverse of
// WriteResponse.
func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	status, err := readU16(r)
	if err != nil {
		return Response{}, err
	}
	resp.Status = Status(status)

	if _, err := io.ReadFull(r, resp.PositionBlock[:]); err != nil {
		return Response{}, err
	}

	dataLen, err := readU32(r)
	if err != nil {
		return Response{}, err
	}
	resp.DataBuffer, err = readN(r, int(dataLen))
	if err != nil {
		return Response{}, err
	}

	keyLen, err := readU16(r)
	if err != nil {
		return Response{}, err
	}
	resp.KeyBuffer, err = readN(r, int(keyLen))
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// WriteResponse encodes resp to w.
func WriteResponse(w io.Writer, resp Response) error {
	buf := make([]byte, 0, 2+PositionBlockSize+4+len(resp.DataBuffer)+2+len(resp.KeyBuffer))
	var tmp2 [2]byte
	var tmp4 [4]byte

	binary.LittleEndian.PutUint16(tmp2[:], uint16(resp.Status))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, resp.PositionBlock[:]...)

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(resp.DataBuffer)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, resp.DataBuffer...)

	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(resp.KeyBuffer)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, resp.KeyBuffer...)

	_, err := w.Write(buf)
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

const maxFrameField = 64 << 20 // 64MiB guards against a hostile length field

func readN(r io.Reader, n int) ([]byte, error) {
	if n < 0 || n > maxFrameField {
		return nil, fmt.Errorf("wire: invalid frame field length %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
