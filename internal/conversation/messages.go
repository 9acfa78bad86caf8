package conversation

import (
	"fmt"
	"sort"
	"strings"
)

// Outbound texts sent back to the requester.
const (
	msgFormatError = "Format data salah. Kirim 4 data dipisahkan tanda |\n" + formatHelp
	msgNIKError    = "NIK harus terdiri dari tepat 16 digit angka. Silakan kirim ulang data Anda."
	msgDateError   = "Tanggal harus berformat YYYY-MM-DD, contoh 2025-11-01. Silakan kirim ulang data Anda."
	msgBackendDown = "Maaf, pendaftaran Anda belum dapat diproses. Silakan coba lagi beberapa saat lagi."

	formatHelp = "Format: Nama|NIK|Kode Cabang|Tanggal (YYYY-MM-DD)\n" +
		"Contoh: Noval FTR|3603192309880004|BINTARO|2025-11-01"
)

func welcomeText(keyword string) string {
	return fmt.Sprintf("Halo! Ketik *%s* untuk mendaftar antrean.", keyword)
}

func instructionsText() string {
	return "Silakan kirim data pendaftaran dalam satu pesan.\n" + formatHelp
}

func queuedText(id uint) string {
	return fmt.Sprintf("Pendaftaran Anda diterima dengan nomor registrasi %d dan sedang diproses. "+
		"Kami akan mengirim hasilnya melalui chat ini.", id)
}

func invalidText(keyword string, fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return fmt.Sprintf("Data pendaftaran tidak valid: %s. Ketik *%s* untuk memulai lagi.", strings.Join(names, ", "), keyword)
}
