// Package staging downloads sampled artifacts into the local staging
// directory and removes them again once a run has processed them.
//
// Layout: <staging_dir>/<label>/<name>. One subdirectory per catalog keeps
// equal object names from different catalogs apart.
package staging
