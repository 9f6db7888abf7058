// Package normalizer converts raw market chart pages into canonical records.
//
// Normalization is a pure function of the page: the same payload always
// yields the same records in the same order. Invalid price points are
// dropped and counted, never merged with valid data.
package normalizer
