package request

// Constructors for messages sent by the host side of the protocol.

// ReadMetadata asks for the entry tree of the archive identified by fileSystemID
func ReadMetadata(fileSystemID, requestID string, archiveSize int64) Message {
	m := basic(OpReadMetadata, fileSystemID, requestID)
	m[KeyArchiveSize] = EncodeInt64(archiveSize)
	return m
}

// ReadChunkDone answers a READ_CHUNK request
func ReadChunkDone(fileSystemID, requestID string, data []byte, offset int64) Message {
	m := basic(OpReadChunkDone, fileSystemID, requestID)
	m[KeyChunkBuffer] = data
	m[KeyOffset] = EncodeInt64(offset)
	return m
}

// ReadChunkError reports a failed READ_CHUNK request
func ReadChunkError(fileSystemID, requestID, err string) Message {
	m := basic(OpReadChunkError, fileSystemID, requestID)
	if err != "" {
		m[KeyError] = err
	}
	return m
}

// ReadPassphraseDone answers a READ_PASSPHRASE request
func ReadPassphraseDone(fileSystemID, requestID, passphrase string) Message {
	m := basic(OpReadPassphraseDone, fileSystemID, requestID)
	m[KeyPassphrase] = passphrase
	return m
}

// ReadPassphraseError reports that no passphrase was given
func ReadPassphraseError(fileSystemID, requestID, err string) Message {
	m := basic(OpReadPassphraseError, fileSystemID, requestID)
	if err != "" {
		m[KeyError] = err
	}
	return m
}

// OpenFile opens the entry at index (path filePath) for reading
func OpenFile(fileSystemID, requestID, filePath string, index, archiveSize int64) Message {
	m := basic(OpOpenFile, fileSystemID, requestID)
	m[KeyFilePath] = filePath
	m[KeyIndex] = EncodeInt64(index)
	m[KeyArchiveSize] = EncodeInt64(archiveSize)
	return m
}

// CloseFile releases a file opened by the OPEN_FILE request openRequestID
func CloseFile(fileSystemID, requestID, openRequestID string) Message {
	m := basic(OpCloseFile, fileSystemID, requestID)
	m[KeyOpenRequestID] = openRequestID
	return m
}

// ReadFile reads length bytes at offset of a file opened by openRequestID
func ReadFile(fileSystemID, requestID, openRequestID string, offset, length int64) Message {
	m := basic(OpReadFile, fileSystemID, requestID)
	m[KeyOpenRequestID] = openRequestID
	m[KeyOffset] = EncodeInt64(offset)
	m[KeyLength] = EncodeInt64(length)
	return m
}

// CloseVolume releases every resource held for fileSystemID
func CloseVolume(fileSystemID, requestID string) Message {
	return basic(OpCloseVolume, fileSystemID, requestID)
}

// WithVolumes attaches the volume set of a multi-volume archive
func (m Message) WithVolumes(volumes []Volume) Message {
	list := make([]any, 0, len(volumes))
	for _, v := range volumes {
		list = append(list, map[string]any{
			KeyName: v.Name,
			KeySize: EncodeInt64(v.Size),
		})
	}
	m[KeyVolumes] = list
	return m
}
