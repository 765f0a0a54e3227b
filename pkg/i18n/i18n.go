package i18n

import "strings"

var translations = map[string]string{
	"invalid request":                "درخواست نامعتبر است",
	"failed to generate token":       "خطا در تولید توکن",
	"missing authorization token":    "توکن احراز هویت ارسال نشده است",
	"invalid token":                  "توکن نامعتبر است",
	"failed to validate user":        "خطا در اعتبارسنجی کاربر",
	"user not found":                 "کاربر یافت نشد",
	"unauthorized":                   "دسترسی غیرمجاز",
	"invalid room id":                "شناسه اتاق نامعتبر است",
	"not a member of this room":      "شما عضو این گفتگو نیستید",
	"not assigned to this task":      "شما به این تسک اختصاص داده نشده اید",
	"room not joined":                "ابتدا وارد گفتگو شوید",
	"failed to fetch messages":       "خطا در دریافت پیام ها",
	"failed to save message":         "خطا در ذخیره پیام",
	"message is empty":               "پیام خالی است",
	"invalid message id":             "شناسه پیام نامعتبر است",
	"message not found":              "پیام یافت نشد",
	"can only delete own messages":   "فقط پیام های خودتان قابل حذف است",
	"failed to delete message":       "خطا در حذف پیام",
	"file type not supported":        "نوع فایل پشتیبانی نمی شود",
	"file too large":                 "حجم فایل بیش از حد مجاز است",
	"invalid file chunk":             "بخش فایل نامعتبر است",
	"too many file transfers":        "تعداد ارسال های همزمان فایل بیش از حد مجاز است",
	"invalid project or task id":     "شناسه پروژه یا تسک نامعتبر است",
	"failed to assign user":          "خطا در اختصاص کاربر",
	"failed to unassign user":        "خطا در حذف اختصاص کاربر",
	"failed to save subscription":    "خطا در ذخیره اشتراک اعلان",
	"push notifications disabled":    "اعلان ها غیرفعال هستند",
	"new message":                    "پیام جدید",
	"websocket upgrade failed":       "خطا در برقراری اتصال وب سوکت",
	"rate limiter error":             "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":            "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":          "خطای داخلی سرور",
	"not found":                      "یافت نشد",
	"unknown event":                  "رویداد ناشناخته",
	"username must be between 3 and 32 characters":                "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
	"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
	"password must be at least 6 characters":                      "رمز عبور باید حداقل ۶ کاراکتر باشد",
	"username already exists":                                     "این نام کاربری قبلا ثبت شده است",
	"invalid username or password":                                "نام کاربری یا رمز عبور اشتباه است",
}

var prefixTranslations = map[string]string{
	"failed to hash password:":   "خطا در پردازش رمز عبور",
	"failed to register user:":   "خطا در ثبت نام کاربر",
	"failed to get user id:":     "خطا در دریافت شناسه کاربر",
	"failed to query user:":      "خطا در دریافت اطلاعات کاربر",
	"failed to sign token:":      "خطا در امضای توکن",
	"invalid token:":             "توکن نامعتبر است",
	"new message from ":          "پیام جدید از ",
}

// Translate returns the Persian text for a server message. Messages with a
// known prefix keep whatever follows the prefix only when the prefix itself
// ends in a space.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			if strings.HasSuffix(prefix, " ") {
				return translated + strings.TrimPrefix(message, prefix)
			}
			return translated
		}
	}
	return message
}
