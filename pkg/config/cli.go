package config

import "github.com/alecthomas/kong"

type Cli struct {
	Version kong.VersionFlag
	Config  kong.ConfigFlag `kong:"name=config,env=UNARC_CONFIG,help='Load flags from a JSONC file.'"`

	LogLevel   string `kong:"name=log-level,env=LOG_LEVEL,default=info,help='Set log level.'"`
	LogJSON    bool   `kong:"name=log-json,env=LOG_JSON,default=false,help='Enable JSON logging output.'"`
	LogCaller  bool   `kong:"name=log-caller,env=LOG_CALLER,default=false,help='Add file:line of the caller to log output.'"`
	LogNoColor bool   `kong:"name=log-nocolor,env=LOG_NOCOLOR,default=false,help='Disable colorized output.'"`
	LogFile    string `kong:"name=log-file,type=path,env=LOG_FILE,help='Also write logs to a rotated file.'"`

	Sandbox `kong:"embed"`

	Serve   ServeCmd   `kong:"cmd,help='Run the sandbox and answer a host over stdio or WebSocket.'"`
	List    ListCmd    `kong:"cmd,help='List entries of an archive.'"`
	Cat     CatCmd     `kong:"cmd,help='Write an entry of an archive to stdout.'"`
	Extract ExtractCmd `kong:"cmd,help='Extract an archive in a local folder.'"`
}

// Sandbox holds the options of the archive reading side
type Sandbox struct {
	Passphrase    string `kong:"name=passphrase,env=UNARC_PASSPHRASE,help='Passphrase of encrypted archives.'"`
	ChunkSize     int64  `kong:"name=chunk-size,env=UNARC_CHUNK_SIZE,default=524288,help='Size of the chunks fetched from the host.'"`
	CacheChunks   int    `kong:"name=cache-chunks,env=UNARC_CACHE_CHUNKS,default=16,help='Number of fetched chunks kept in memory per reader.'"`
	FetchAttempts uint   `kong:"name=fetch-attempts,env=UNARC_FETCH_ATTEMPTS,default=3,help='Attempts for a failed chunk fetch.'"`
	InMemory      bool   `kong:"name=in-memory,env=UNARC_IN_MEMORY,default=false,help='Fetch whole archives before decoding them.'"`
	ForwardLogs   bool   `kong:"name=forward-logs,env=UNARC_FORWARD_LOGS,default=false,help='Forward sandbox warnings to the host.'"`
}

type ServeCmd struct {
	Listen string `kong:"name=listen,env=UNARC_LISTEN,help='Serve WebSocket connections on this address instead of stdio. (eg. :8080)'"`
	Codec  string `kong:"name=codec,env=UNARC_CODEC,enum='json,cbor',default=json,help='Wire encoding of messages.'"`
}

// Source designates an archive made of one or more volume files
type Source struct {
	Archive string   `kong:"arg,required,name=archive,help='Archive file. (eg. ./data.zip)'"`
	Volumes []string `kong:"name=volume,help='Next volume of a multi-volume archive.'"`
}

type ListCmd struct {
	Source `kong:"embed"`
	JSON bool `kong:"name=json,default=false,help='Print the metadata tree as JSON.'"`
}

type CatCmd struct {
	Source `kong:"embed"`
	Entry  string `kong:"arg,required,name=entry,help='Path of the entry in the archive.'"`
	Offset int64  `kong:"name=offset,default=0,help='Start at this offset of the entry.'"`
	Length int64  `kong:"name=length,default=-1,help='Write at most this many bytes.'"`
}

type ExtractCmd struct {
	Source `kong:"embed"`
	Dist     string   `kong:"arg,required,name=dist,type=path,help='Dist folder. (eg. ./dist)'"`
	Includes []string `kong:"name=include,help='Include a subset of files/dirs from the archive.'"`
	RmDist   bool     `kong:"name=rm-dist,default=false,help='Removes dist folder.'"`
}
