package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey        = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer        = "Prefer"
	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
	PreferWait          = "wait"
	ContentTypeJSON     = "application/json"
	ContentTypeForm     = "application/x-www-form-urlencoded"
	AuthSchemeBearer    = "Bearer"
)

// API paths
const (
	PathHealthz     = "/healthz"
	PathGenerations = "/v1/generations"
	PathCache       = "/v1/cache"
	PathBackends    = "/v1/backends"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 2
	SQLiteBusyTimeoutMS  = 5000
	ErrorSnippetLimit    = 400
)

// MIME types
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageJPG  = "image/jpg"
)

// Subdirectory and file names
const (
	CacheDirName       = "media"
	DatabaseFileName   = "mediagen.db"
	DefaultHistoryKey  = "history_items"
	CatalogKeyPrefix   = "catalog:"
	UploadFileName     = "image.jpg"
	TempDownloadPrefix = ".dl-"
)

// Backend names
const (
	BackendPhoto = "photo"
	BackendVideo = "video"
	BackendMock  = "mock"
)
