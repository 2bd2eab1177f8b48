package domain

// UploadFailure is a file of a directory upload that did not reach storage.
type UploadFailure struct {
	Path string
	Err  error
}

// UploadResult reports a directory upload. Uploads are partial: one failed
// file does not abort the others.
type UploadResult struct {
	Uploaded []string
	Failed   []UploadFailure
}
