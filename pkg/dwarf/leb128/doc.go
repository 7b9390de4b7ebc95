// Package leb128 provides encoders and decoders for the Little Endian
// Base 128 variable length integer format, defined in the DWARF v4
// standard, section 7.6, page 161 and following.
package leb128
