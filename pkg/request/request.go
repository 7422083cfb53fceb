package request

import (
	"strconv"
)

// Operation is the kind of a message exchanged with the host
type Operation int

// Operations understood by both sides. Values are part of the wire format.
const (
	OpReadMetadata        Operation = 0
	OpReadMetadataDone    Operation = 1
	OpReadChunk           Operation = 2
	OpReadChunkDone       Operation = 3
	OpReadChunkError      Operation = 4
	OpReadPassphrase      Operation = 5
	OpReadPassphraseDone  Operation = 6
	OpReadPassphraseError Operation = 7
	OpCloseVolume         Operation = 8
	OpOpenFile            Operation = 9
	OpOpenFileDone        Operation = 10
	OpCloseFile           Operation = 11
	OpCloseFileDone       Operation = 12
	OpReadFile            Operation = 13
	OpReadFileDone        Operation = 14
	OpConsoleLog          Operation = 15
	OpFileSystemError     Operation = -1
)

var operationNames = map[Operation]string{
	OpReadMetadata:        "READ_METADATA",
	OpReadMetadataDone:    "READ_METADATA_DONE",
	OpReadChunk:           "READ_CHUNK",
	OpReadChunkDone:       "READ_CHUNK_DONE",
	OpReadChunkError:      "READ_CHUNK_ERROR",
	OpReadPassphrase:      "READ_PASSPHRASE",
	OpReadPassphraseDone:  "READ_PASSPHRASE_DONE",
	OpReadPassphraseError: "READ_PASSPHRASE_ERROR",
	OpCloseVolume:         "CLOSE_VOLUME",
	OpOpenFile:            "OPEN_FILE",
	OpOpenFileDone:        "OPEN_FILE_DONE",
	OpCloseFile:           "CLOSE_FILE",
	OpCloseFileDone:       "CLOSE_FILE_DONE",
	OpReadFile:            "READ_FILE",
	OpReadFileDone:        "READ_FILE_DONE",
	OpConsoleLog:          "CONSOLE_LOG",
	OpFileSystemError:     "FILE_SYSTEM_ERROR",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(o)) + ")"
}

// IsReply returns true for host answers to a request issued by a reader
func (o Operation) IsReply() bool {
	switch o {
	case OpReadChunkDone, OpReadChunkError, OpReadPassphraseDone, OpReadPassphraseError:
		return true
	}
	return false
}

// Message keys
const (
	KeyOperation     = "operation"
	KeyFileSystemID  = "file_system_id"
	KeyRequestID     = "request_id"
	KeyMetadata      = "metadata"
	KeyArchiveSize   = "archive_size"
	KeyVolumes       = "volumes"
	KeyVolume        = "volume"
	KeyChunkBuffer   = "chunk_buffer"
	KeyOffset        = "offset"
	KeyLength        = "length"
	KeyIndex         = "index"
	KeyFilePath      = "file_path"
	KeyOpenRequestID = "open_request_id"
	KeyReadFileData  = "read_file_data"
	KeyHasMoreData   = "has_more_data"
	KeyPassphrase    = "passphrase"
	KeyError         = "error"
	KeySrcFile       = "src_file"
	KeySrcLine       = "src_line"
	KeySrcFunc       = "src_func"
	KeyMessage       = "message"
	KeyName          = "name"
	KeySize          = "size"
)

// Volume describes one backing file of a multi-volume archive
type Volume struct {
	Name string
	Size int64
}

func basic(op Operation, fileSystemID, requestID string) Message {
	return Message{
		KeyOperation:    int(op),
		KeyFileSystemID: fileSystemID,
		KeyRequestID:    requestID,
	}
}

// EncodeInt64 renders v as a decimal string. The host transport cannot
// represent every int64 as a native number.
func EncodeInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

// DecodeInt64 parses the decimal string stored under key. A missing or
// malformed value yields 0.
func DecodeInt64(m Message, key string) int64 {
	s, ok := m[key].(string)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ReadMetadataDone delivers the entry tree of a volume
func ReadMetadataDone(fileSystemID, requestID string, metadata map[string]any) Message {
	m := basic(OpReadMetadataDone, fileSystemID, requestID)
	m[KeyMetadata] = metadata
	return m
}

// ReadChunk asks the host for length bytes of the archive starting at offset
func ReadChunk(fileSystemID, requestID string, offset, length int64) Message {
	m := basic(OpReadChunk, fileSystemID, requestID)
	m[KeyOffset] = EncodeInt64(offset)
	m[KeyLength] = EncodeInt64(length)
	return m
}

// ReadVolumeChunk is ReadChunk addressed to one volume of a multi-volume archive
func ReadVolumeChunk(fileSystemID, requestID, volume string, offset, length int64) Message {
	m := ReadChunk(fileSystemID, requestID, offset, length)
	if volume != "" {
		m[KeyVolume] = volume
	}
	return m
}

// ReadPassphrase asks the host to prompt for a passphrase
func ReadPassphrase(fileSystemID, requestID string) Message {
	return basic(OpReadPassphrase, fileSystemID, requestID)
}

// OpenFileDone acknowledges an OPEN_FILE request
func OpenFileDone(fileSystemID, requestID string) Message {
	return basic(OpOpenFileDone, fileSystemID, requestID)
}

// CloseFileDone acknowledges a CLOSE_FILE request
func CloseFileDone(fileSystemID, requestID, openRequestID string) Message {
	m := basic(OpCloseFileDone, fileSystemID, requestID)
	m[KeyOpenRequestID] = openRequestID
	return m
}

// ReadFileDone carries one piece of a READ_FILE answer. hasMoreData tells the
// host that further pieces follow for the same request.
func ReadFileDone(fileSystemID, requestID string, data []byte, hasMoreData bool) Message {
	m := basic(OpReadFileDone, fileSystemID, requestID)
	m[KeyReadFileData] = data
	m[KeyHasMoreData] = hasMoreData
	return m
}

// FileSystemError reports a failure of the request identified by requestID
func FileSystemError(fileSystemID, requestID, err string) Message {
	m := basic(OpFileSystemError, fileSystemID, requestID)
	m[KeyError] = err
	return m
}

// ConsoleLog forwards a diagnostic line to the host console
func ConsoleLog(fileSystemID, requestID, srcFile string, srcLine int, srcFunc, message string) Message {
	m := basic(OpConsoleLog, fileSystemID, requestID)
	m[KeySrcFile] = srcFile
	m[KeySrcLine] = srcLine
	m[KeySrcFunc] = srcFunc
	m[KeyMessage] = message
	return m
}
